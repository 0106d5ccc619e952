package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/store/queries"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

var ErrConnectionFailed = errors.New("store: database connection unavailable")

// Pool manages PostgreSQL connections with a background health check.
// The pgx pool carries the hot path (upserts, COPY, lease rows); the bun
// handle shares the DSN for the small ORM-shaped repositories.
type Pool struct {
	pool   *pgxpool.Pool
	bun    *bun.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

// New connects, pings and starts the health loop
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store: database url is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	if cfg.HealthCheckInterval > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:            cfg,
		logger:         logger,
		ctx:            bgCtx,
		cancel:         cancel,
		reconnectDelay: time.Second,
	}

	poolConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		p.logger.Debug("PostgreSQL notice",
			"severity", n.Severity,
			"message", n.Message,
		)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, p.connectTimeout())
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.URL),
		pgdriver.WithDialTimeout(p.connectTimeout()),
	))
	sqldb.SetMaxOpenConns(max(1, cfg.MinConns))

	p.pool = pool
	p.bun = bun.NewDB(sqldb, pgdialect.New())
	p.healthy.Store(true)

	if p.cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthCheckLoop()
	}

	p.logger.Info("Database connection pool initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
	)
	return p, nil
}

func (p *Pool) connectTimeout() time.Duration {
	if p.cfg.ConnectTimeout > 0 {
		return p.cfg.ConnectTimeout
	}
	return 5 * time.Second
}

// PGX returns the underlying pgx pool
func (p *Pool) PGX() *pgxpool.Pool {
	return p.pool
}

// Bun returns the bun handle bound to the same database
func (p *Pool) Bun() *bun.DB {
	return p.bun
}

// Acquire gets a dedicated connection, failing fast while unhealthy
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.closed.Load() || !p.healthy.Load() {
		return nil, ErrConnectionFailed
	}
	return p.pool.Acquire(ctx)
}

func (p *Pool) IsHealthy() bool {
	return !p.closed.Load() && p.healthy.Load()
}

// Stats returns pool statistics
func (p *Pool) Stats() *pgxpool.Stat {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Close stops the health loop and closes both handles. Safe to call twice.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("Health check goroutine did not stop within timeout")
	}

	if p.bun != nil {
		if err := p.bun.Close(); err != nil {
			p.logger.Warn("Failed to close bun handle", "error", err)
		}
	}
	if p.pool != nil {
		p.pool.Close()
	}
	p.logger.Info("Database connection pool closed")
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := p.pool.QueryRow(ctx, queries.HealthCheck).Scan(&result); err != nil {
		if p.healthy.Swap(false) {
			p.logger.Error("Database health check failed", "error", err)
		}
		p.tryReconnect()
		return
	}
	if !p.healthy.Swap(true) {
		p.logger.Info("Database connection restored")
		p.reconnectMu.Lock()
		p.reconnectDelay = time.Second
		p.reconnectMu.Unlock()
	}
}

// tryReconnect pings with exponential spacing capped at 30s
func (p *Pool) tryReconnect() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if time.Since(p.lastReconnect) < p.reconnectDelay {
		return
	}

	p.logger.Info("Attempting to reconnect to database", "delay", p.reconnectDelay)

	ctx, cancel := context.WithTimeout(p.ctx, p.connectTimeout())
	defer cancel()

	err := p.pool.Ping(ctx)
	p.lastReconnect = time.Now().UTC()
	if err != nil {
		p.reconnectDelay = min(p.reconnectDelay*2, 30*time.Second)
		p.logger.Error("Reconnection failed", "error", err, "next_delay", p.reconnectDelay)
		return
	}
	p.healthy.Store(true)
	p.reconnectDelay = time.Second
	p.logger.Info("Reconnection successful")
}
