// Command sync runs one upstream sweep over the tracked projects and exits.
// It is meant for cron or a Kubernetes CronJob next to a server that shares
// the PostgreSQL backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ospulse/ospulse/server/internal/app"
	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/syncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	app.SetupLogging(cfg.Server.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		slog.Error("failed to build sync", "err", err)
		return 1
	}
	defer a.Close() //nolint:errcheck

	if cfg.Cache.Backend == "memory" {
		slog.Warn("cache backend is memory; swept series are discarded on exit")
	}

	rep, err := a.Syncer().RunOnce(ctx)
	switch {
	case errors.Is(err, syncer.ErrLocked):
		slog.Info("another sweep holds the lock, exiting", "lock_file", cfg.Sync.LockFile)
		return 0
	case err != nil:
		slog.Error("sweep failed", "err", err)
		return 1
	}
	for _, key := range rep.Invalid {
		slog.Warn("project not found upstream; consider removing it from the config", "project", key)
	}
	if rep.Failed > 0 {
		return 2
	}
	return 0
}
