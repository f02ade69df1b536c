package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/hookline/internal/config"
	"github.com/mattjoyce/hookline/internal/handlers"
	"github.com/mattjoyce/hookline/internal/ingest"
	"github.com/mattjoyce/hookline/internal/ledger"
	"github.com/mattjoyce/hookline/internal/queue"
	"github.com/mattjoyce/hookline/internal/source"
	"github.com/mattjoyce/hookline/internal/storage"
)

// app is the assembled pipeline shared by serve and retry.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	queue  *queue.Queue
	ledger *ledger.Ledger
	orch   *ingest.Orchestrator

	closers []func()
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = db.Close() })
	logger.Info("database opened", "path", cfg.State.Path)

	store, err := openStore(ctx, cfg, db, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	cache, err := openCache(ctx, cfg, logger, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger = ledger.New(store, cache, logger.With("component", "ledger"))
	a.queue = queue.New(db)

	events := make(map[source.Source][]string, len(source.All))
	sources := make(map[source.Source]ingest.SourceConfig, len(source.All))
	for _, src := range source.All {
		sc := cfg.Source(src)
		events[src] = sc.Events
		sources[src] = ingest.SourceConfig{
			Secret:           sc.Secret,
			SkipVerification: sc.SkipVerification,
			Tolerance:        sc.Tolerance,
		}
		if sc.Secret == "" && !sc.SkipVerification {
			logger.Warn("source has no secret; deliveries will be rejected", "source", string(src), "category", ingest.CategoryConfig)
		}
	}

	fwd, err := handlers.NewForwarder(a.queue, events, logger.With("component", "forwarder"))
	if err != nil {
		a.Close()
		return nil, err
	}
	reg := ingest.NewRegistry()
	fwd.Register(reg)

	a.orch = ingest.New(ingest.Config{
		Sources:        sources,
		HandlerTimeout: cfg.Server.HandlerTimeout,
		ClaimLease:     cfg.State.ClaimLease,
	}, a.ledger, reg, logger.With("component", "ingest"))

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, db *sql.DB, a *app) (ledger.Store, error) {
	switch cfg.State.Driver {
	case config.DriverPostgres:
		pg, err := ledger.NewPostgresStore(ctx, cfg.State.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return ledger.NewSQLiteStore(db), nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (ledger.Cache, error) {
	switch cfg.Cache.Driver {
	case config.DriverRedis:
		rc, err := ledger.NewRedisCache(ctx, ledger.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			TTL:      cfg.Cache.TTL,
		}, logger.With("component", "cache"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		return rc, nil
	default:
		return ledger.NewMemoryCache(cfg.Cache.TTL, cfg.Cache.SweepEvery), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
