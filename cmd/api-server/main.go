package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/api"
	"github.com/hackgods/ledger-appointment-portal/internal/app"
	"github.com/hackgods/ledger-appointment-portal/internal/config"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "api-server")
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "version", version)

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

	go func() {
		if err := a.Engine.Run(rootCtx); err != nil {
			logger.Error("engine stopped", "error", err)
		}
	}()
	// The ledger lives in this process, so the reconcile loop does too.
	go worker.Run(rootCtx, a.Engine, cfg.WorkerInterval, 20*time.Second, logger.With("component", "reconcile"))

	router := api.NewRouter(api.RouterConfig{
		Engine:    a.Engine,
		Session:   a.Ledger,
		Providers: a.Gate,
		PgPool:    a.PgPool,
		Redis:     a.Redis,
		Gatherer:  a.Registry,
		Logger:    logger,
		Location:  cfg.CalendarTZ,
		Origins:   cfg.CORSOrigins,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	a.Ledger.Disconnect()
}
