package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/app"
	"github.com/hackgods/ledger-appointment-portal/internal/config"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/worker"
)

// reconcile-worker repairs the cache from the ledger while the api-server is
// down (the ledger directory is single-writer). With -once it runs a single
// pass and exits non-zero if the ledger could not be read.
func main() {
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "reconcile-worker")
	logger.Info("reconcile-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval, "once", *once)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(rootCtx); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	if *once {
		if _, err := worker.RunOnce(rootCtx, a.Engine, 20*time.Second, logger); err != nil {
			a.Close()
			os.Exit(1)
		}
		return
	}

	worker.Run(rootCtx, a.Engine, cfg.WorkerInterval, 20*time.Second, logger)
}
