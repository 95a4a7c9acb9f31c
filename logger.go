package castore

import (
	log "log/slog"
	"os"
)

// InitLogger installs a process-wide slog handler at the given verbosity.
// 0 = Warn, 1 = Info, 2+ = Debug, matching common CLI -v/-vv conventions.
func InitLogger(verbosity int) {
	level := log.LevelWarn
	switch {
	case verbosity >= 2:
		level = log.LevelDebug
	case verbosity == 1:
		level = log.LevelInfo
	}
	log.SetDefault(log.New(log.NewTextHandler(os.Stderr, &log.HandlerOptions{Level: level})))
}
