// Package app wires the portal's components from a Config. Every binary that
// touches the ledger builds its graph here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/authz"
	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/config"
	"github.com/hackgods/ledger-appointment-portal/internal/db"
	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger/chain"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/observability"
	redisclient "github.com/hackgods/ledger-appointment-portal/internal/redis"
)

type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry

	Chain  *chain.Chain
	Ledger *ledger.Client
	Store  cache.Store
	Gate   *authz.Gate
	Engine *appointment.Service

	// Nil when the matching setting is empty.
	PgPool *pgxpool.Pool
	Redis  *redis.Client

	closers []func()
}

// New builds the component graph. Postgres and Redis are optional: without
// POSTGRES_DSN the cache lives in memory, without Redis finalize locks are
// process-local and there is no cross-process change feed.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	c, err := chain.Open(cfg.LedgerPath, chain.Options{
		Owner:  cfg.LedgerOwner,
		Legacy: cfg.LedgerLegacy,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.Chain = c
	a.onClose(func() {
		if err := c.Close(); err != nil {
			a.Logger.Error("error closing ledger", "error", err)
		}
	})
	a.Logger.Info("opened ledger", "path", cfg.LedgerPath, "legacy", cfg.LedgerLegacy)

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		a.Redis = rdb
		a.onClose(func() {
			if err := rdb.Close(); err != nil {
				a.Logger.Error("error closing redis", "error", err)
			}
		})
		a.Logger.Info("connected to Redis")
	}

	if err := a.buildStore(ctx); err != nil {
		return err
	}

	a.Ledger = ledger.NewClient(c, ledger.StaticWallet{Account: cfg.LedgerAccount}, ledger.Options{
		CallTimeout: cfg.LedgerTimeout,
		Logger:      a.Logger,
		Metrics:     observability.NewLedgerMetrics(a.Registry),
	})
	a.Gate = authz.NewGate(a.Ledger, a.Logger)

	var locker redisclient.Locker = redisclient.NewLocalLocker()
	if a.Redis != nil {
		locker = redisclient.NewRedisAppointmentLocker(a.Redis, cfg.LockTTL)
	}

	a.Engine = appointment.NewService(a.Ledger, a.Store, a.Gate, identity.NewLedgerResolver(a.Ledger, a.Ledger), appointment.Options{
		Locker:   locker,
		Logger:   a.Logger,
		Metrics:  observability.NewEngineMetrics(a.Registry),
		Location: cfg.CalendarTZ,
	})
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.PostgresDSN == "" {
		mem := cache.NewMemoryStore(a.Logger)
		a.Store = mem
		a.onClose(mem.Close)
		a.Logger.Warn("POSTGRES_DSN not set, using in-memory cache")
		return nil
	}

	mg, err := db.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	err = mg.Up()
	if cerr := mg.Close(); cerr != nil {
		a.Logger.Warn("error closing migrator", "error", cerr)
	}
	if err != nil {
		return err
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	a.PgPool = pool
	a.onClose(pool.Close)
	a.Logger.Info("connected to Postgres")

	var feed cache.Feed
	if a.Redis != nil {
		feed = redisclient.NewFeed(a.Redis, redisclient.ChangesChannel)
	}
	store := cache.NewPgStore(pool, feed, a.Logger)
	a.Store = store
	a.onClose(store.Close)
	return nil
}

// Start connects the ledger session and, when a change feed exists, begins
// relaying remote cache changes. A failed connect leaves the portal running
// in degraded mode.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Ledger.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		a.Logger.Warn("ledger connect failed, serving cache only", "error", err)
	}

	if pg, ok := a.Store.(*cache.PgStore); ok {
		stop, err := pg.Listen(ctx)
		if err != nil {
			return fmt.Errorf("listen for cache changes: %w", err)
		}
		a.onClose(stop)
	}
	return nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
