package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/fetcher"
	"github.com/framara/what-the-meta-backend/internal/ingest"
	"github.com/framara/what-the-meta-backend/internal/lease"
	"github.com/framara/what-the-meta-backend/internal/loader"
	"github.com/framara/what-the-meta-backend/internal/logger"
	"github.com/framara/what-the-meta-backend/internal/mapping"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/staging"
	"github.com/framara/what-the-meta-backend/internal/store/connection"
	"github.com/framara/what-the-meta-backend/internal/upstream"
	"github.com/joho/godotenv"
)

// app holds the global flags and lazily built services shared by the commands.
// Each command only opens the connections it needs.
type app struct {
	configPath string
	envFile    string
	jsonLogs   bool

	cfg     *config.Config
	logger  *slog.Logger
	metrics *monitoring.Metrics
	caller  *remote.Caller

	pool      *connection.Pool
	store     staging.Store
	client    *upstream.Client
	repo      *mapping.Repository
	cache     *mapping.Cache
	refresher *aggregates.Refresher
	leases    *lease.Coordinator
}

// setup loads the env file and the configuration. A missing env file is not
// an error; a missing config file is.
func (a *app) setup() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", a.envFile, err)
		}
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.jsonLogs || cfg.Server.LogFormat == "json" {
		a.logger = logger.NewJSON(cfg.Server.LoggingLevel)
	} else {
		a.logger = logger.New(cfg.Server.LoggingLevel)
	}
	slog.SetDefault(a.logger)

	a.metrics = monitoring.New(cfg.Monitoring.PrometheusEnabled)
	a.caller = remote.NewCaller(remote.PolicyFromConfig(cfg.Remote), nil, nil, a.logger).
		WithObserver(a.metrics)

	config.PrintConfig(a.logger, cfg)
	return nil
}

func (a *app) database(ctx context.Context) (*connection.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := connection.New(ctx, a.cfg.Database, logger.WithComponent(a.logger, "database"))
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return pool, nil
}

func (a *app) staging(ctx context.Context) (staging.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := staging.New(ctx, a.cfg.Staging, logger.WithComponent(a.logger, "staging"))
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) upstream() *upstream.Client {
	if a.client == nil {
		a.client = upstream.NewClient(a.cfg.Upstream, nil, a.caller, a.metrics, logger.WithComponent(a.logger, "upstream"))
	}
	return a.client
}

func (a *app) mapping(ctx context.Context) (*mapping.Repository, *mapping.Cache, error) {
	if a.repo != nil {
		return a.repo, a.cache, nil
	}
	pool, err := a.database(ctx)
	if err != nil {
		return nil, nil, err
	}
	repo := mapping.NewRepository(pool.Bun())
	cache, err := mapping.NewCache(0, 0, mapping.RepositoryLoader(repo))
	if err != nil {
		return nil, nil, err
	}
	a.repo, a.cache = repo, cache
	return repo, cache, nil
}

func (a *app) aggregates(ctx context.Context) (*aggregates.Refresher, error) {
	if a.refresher != nil {
		return a.refresher, nil
	}
	pool, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	a.refresher = aggregates.New(pool.PGX(), a.cfg.Aggregates, a.caller, a.metrics, logger.WithComponent(a.logger, "aggregates"))
	return a.refresher, nil
}

func (a *app) leaseCoordinator(ctx context.Context) (*lease.Coordinator, error) {
	if a.leases != nil {
		return a.leases, nil
	}
	pool, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	a.leases = lease.NewCoordinator(lease.NewPostgresStore(pool.PGX()), a.cfg.Lease, a.metrics, logger.WithComponent(a.logger, "lease"))
	return a.leases, nil
}

// orchestrator wires every stage of a run to the shared database and staging store
func (a *app) orchestrator(ctx context.Context) (*ingest.Orchestrator, error) {
	pool, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.staging(ctx)
	if err != nil {
		return nil, err
	}
	_, cache, err := a.mapping(ctx)
	if err != nil {
		return nil, err
	}
	refresher, err := a.aggregates(ctx)
	if err != nil {
		return nil, err
	}
	leases, err := a.leaseCoordinator(ctx)
	if err != nil {
		return nil, err
	}

	client := a.upstream()
	ld, err := loader.New(pool.PGX(), store, a.caller, a.cfg.Ingest, a.metrics, logger.WithComponent(a.logger, "loader"))
	if err != nil {
		return nil, err
	}
	fetchLog := logger.WithComponent(a.logger, "fetcher")

	stages := ingest.Stages{
		Fetch: func(c *remote.Caller) ingest.Fetcher {
			return fetcher.New(client.WithCaller(c), cache, store, c, a.cfg, a.metrics, fetchLog)
		},
		Load: func(c *remote.Caller) ingest.Loader {
			return ld.WithCaller(c)
		},
		Refresh: refresher,
	}
	return ingest.New(leases, stages, a.caller, a.cfg, nil, a.metrics, logger.WithComponent(a.logger, "ingest")), nil
}

// close waits for a detached refresh and closes the database. Safe to call
// when setup failed.
func (a *app) close(ctx context.Context) {
	if a.logger == nil {
		return
	}
	if a.refresher != nil {
		if a.refresher.Running() != nil {
			a.logger.Info("Waiting for aggregate refresh to finish")
		}
		if err := a.refresher.Shutdown(ctx); err != nil {
			a.logger.Warn("Aggregate refresh still running at exit", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
