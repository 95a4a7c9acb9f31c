//go:build unix

package nar

import (
	log "log/slog"
	"os"
	"syscall"
)

// canonicaliseOwnership forces path's owner/group to the current process's
// uid/gid when they differ, matching canonicalisePathMetaData's chown step.
func canonicaliseOwnership(path string) {
	st, err := os.Lstat(path)
	if err != nil {
		return
	}
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	uid, gid := os.Getuid(), os.Getgid()
	if int(sys.Uid) == uid && int(sys.Gid) == gid {
		return
	}
	if err := os.Chown(path, uid, gid); err != nil {
		log.Debug("nar: chown failed", "path", path, "error", err)
	}
}
