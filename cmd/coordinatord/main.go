// Command coordinatord runs the castore scheduling and GC daemon: it opens
// the metadata store, starts the goal worker, and exposes the operational
// HTTP surface over it.
package main

import (
	"context"
	"flag"
	log "log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/api"
	"github.com/pathforge/castore/gcroots"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/pathlock"
	"github.com/pathforge/castore/scheduler"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyStoreDir   = "storeDir"
	logKeyDBDir      = "dbDir"
	logKeySignal     = "signal"
	logKeyError      = "error"
)

func main() {
	listenAddr := flag.String("listen", ":7321", "address to serve the operational HTTP API on")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := log.LevelInfo
	if *debug {
		logLevel = log.LevelDebug
	}
	logger := log.New(log.NewTextHandler(os.Stderr, &log.HandlerOptions{Level: logLevel}))

	cfg := castore.NewConfigFromEnv()

	logger.InfoContext(context.Background(), "starting coordinatord",
		logKeyListenAddr, *listenAddr,
		logKeyStoreDir, cfg.StoreDir,
		logKeyDBDir, cfg.DBDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, *listenAddr, logger); err != nil {
		logger.ErrorContext(context.Background(), "coordinatord error", logKeyError, err)
		os.Exit(1)
	}
}

// run assembles the store, worker, and API server and blocks serving HTTP
// until ctx is cancelled. Separated from main for testability.
func run(ctx context.Context, cfg castore.Config, listenAddr string, logger *log.Logger) error {
	if err := os.MkdirAll(cfg.StoreDir, 0755); err != nil {
		return castore.SysError("coordinatord: creating store directory", err)
	}
	if err := os.MkdirAll(cfg.DBDir, 0755); err != nil {
		return castore.SysError("coordinatord: creating db directory", err)
	}

	store, err := metastore.Open(cfg.DBDir)
	if err != nil {
		return castore.SysError("coordinatord: opening metastore", err)
	}
	defer store.Close()

	locker, err := buildLocker(cfg)
	if err != nil {
		return err
	}
	defer locker.Close()

	worker := scheduler.NewWorker(cfg, store, locker)

	roots, err := gcroots.NewManager(cfg.StateDir)
	if err != nil {
		return err
	}

	server := api.NewServer(worker, store, roots, cfg.StoreDir)

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.Serve(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(listenAddr)
	}()

	logger.InfoContext(ctx, "coordinatord started", logKeyListenAddr, listenAddr)

	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "coordinatord shutting down")
		return nil
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}
}

// buildLocker picks a file-backed or Redis-backed Locker per cfg.LockBackend.
func buildLocker(cfg castore.Config) (pathlock.Locker, error) {
	if !cfg.UsesDistributedLocks() {
		locker, err := pathlock.NewFileLocker(filepath.Join(cfg.StateDir, "locks"))
		if err != nil {
			return nil, castore.SysError("coordinatord: creating file locker", err)
		}
		return locker, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	return pathlock.NewRedisLocker(client, 5*time.Minute), nil
}
