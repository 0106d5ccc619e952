// Package router serves the control API of the ingestor.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/ingest"
	"github.com/framara/what-the-meta-backend/internal/lease"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestor runs one ingestion
type Ingestor interface {
	Run(ctx context.Context, opts ingest.Options) (*ingest.Result, error)
}

// Leases is the lease API exposed for manual operation
type Leases interface {
	Acquire(ctx context.Context, lock, owner string, ttl time.Duration) (lease.Outcome, error)
	Steal(ctx context.Context, lock, owner string, ttl time.Duration) (lease.Outcome, error)
	Release(ctx context.Context, lock, owner string) error
}

type Refresher interface {
	Refresh(ctx context.Context) (*aggregates.Summary, error)
	RefreshAsync(ctx context.Context) (aggregates.Ticket, error)
	Status(ctx context.Context) ([]aggregates.Activity, error)
	Running() *aggregates.Ticket
	Last() (*aggregates.Summary, error)
}

// HealthChecker reports database connectivity
type HealthChecker interface {
	IsHealthy() bool
}

// Deps are the services behind the control API
type Deps struct {
	Ingestor  Ingestor
	Leases    Leases
	Refresher Refresher
	DB        HealthChecker
}

type Router struct {
	deps     Deps
	cfg      *config.Config
	validate *validator.Validate
	logger   *slog.Logger
	handler  http.Handler
}

func New(deps Deps, cfg *config.Config, logger *slog.Logger) *Router {
	r := &Router{
		deps:     deps,
		cfg:      cfg,
		validate: newValidator(),
		logger:   logger,
	}

	m := mux.NewRouter()
	m.Use(r.logRequests)
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	m.HandleFunc(cfg.Monitoring.HealthCheckPath, r.handleHealth).Methods(http.MethodGet)
	if cfg.Monitoring.PrometheusEnabled {
		m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	control := m.NewRoute().Subrouter()
	control.Use(r.requireToken)
	control.HandleFunc("/ingest", r.handleIngest).Methods(http.MethodPost)
	control.HandleFunc("/lease/acquire", r.handleLeaseAcquire).Methods(http.MethodPost)
	control.HandleFunc("/lease/release", r.handleLeaseRelease).Methods(http.MethodPost)
	control.HandleFunc("/aggregates/refresh", r.handleRefresh).Methods(http.MethodPost)
	control.HandleFunc("/aggregates/status", r.handleRefreshStatus).Methods(http.MethodGet)

	r.handler = m
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
