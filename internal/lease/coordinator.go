// Package lease provides mutual exclusion for ingestion runs across processes.
// The lease record in the store is the only state shared between triggers.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/google/uuid"
)

var (
	// ErrLeaseLost is returned when the handle no longer matches a live lease
	ErrLeaseLost = errors.New("lease: lease lost")
	// ErrMissingOwner is returned when no owner identity is supplied
	ErrMissingOwner = errors.New("lease: owner is required")
)

// Status is the result of an acquire attempt
type Status string

const (
	StatusAcquired Status = "ACQUIRED"
	StatusLocked   Status = "LOCKED"
)

// Handle is proof of a held lease. It is threaded through the run to
// verification and release; there is no process-wide "held" flag.
type Handle struct {
	Lock      string    `json:"lock"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Outcome of Acquire or Steal. Handle is set when acquired, Holder when locked.
type Outcome struct {
	Status Status  `json:"status"`
	Handle *Handle `json:"lease,omitempty"`
	Holder *Record `json:"holder,omitempty"`
}

func (o Outcome) Acquired() bool {
	return o.Status == StatusAcquired
}

// NewOwner returns a unique owner identity for this process
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ingestor"
	}
	return host + "-" + uuid.NewString()
}

// Coordinator applies the configured TTL, steal grace and release policy to a Store
type Coordinator struct {
	store   Store
	cfg     config.LeaseConfig
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func NewCoordinator(store Store, cfg config.LeaseConfig, metrics *monitoring.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if cfg.ReleaseAttempts <= 0 {
		cfg.ReleaseAttempts = 3
	}
	return &Coordinator{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Name returns the configured lock name
func (c *Coordinator) Name() string {
	return c.cfg.Name
}

// Acquire takes lock for owner when it is free or expired. A zero ttl uses the
// configured TTL; an empty lock uses the configured name. Contention is not an
// error: the outcome reports the current holder.
func (c *Coordinator) Acquire(ctx context.Context, lock, owner string, ttl time.Duration) (Outcome, error) {
	lock, ttl, err := c.resolve(lock, owner, ttl)
	if err != nil {
		return Outcome{}, err
	}
	rec, ok, err := c.store.Acquire(ctx, lock, owner, ttl)
	return c.outcome("acquire", lock, owner, rec, ok, err)
}

// Steal is an explicit forced acquire, honored only when the current lease
// expires within the configured grace window
func (c *Coordinator) Steal(ctx context.Context, lock, owner string, ttl time.Duration) (Outcome, error) {
	lock, ttl, err := c.resolve(lock, owner, ttl)
	if err != nil {
		return Outcome{}, err
	}
	rec, ok, err := c.store.Steal(ctx, lock, owner, ttl, c.cfg.StealGrace)
	return c.outcome("steal", lock, owner, rec, ok, err)
}

func (c *Coordinator) resolve(lock, owner string, ttl time.Duration) (string, time.Duration, error) {
	if owner == "" {
		return "", 0, ErrMissingOwner
	}
	if lock == "" {
		lock = c.cfg.Name
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	if lock == "" || ttl <= 0 {
		return "", 0, fmt.Errorf("lease: lock name and ttl are required")
	}
	return lock, ttl, nil
}

func (c *Coordinator) outcome(op, lock, owner string, rec Record, ok bool, err error) (Outcome, error) {
	if err != nil {
		c.metrics.RecordLease(lock, op, "error")
		c.logger.Error("Lease store failed", "op", op, "lock", lock, "owner", owner, "error", err)
		return Outcome{}, err
	}
	if !ok {
		c.metrics.RecordLease(lock, op, "locked")
		c.logger.Info("Lease held by another owner",
			"lock", lock,
			"owner", owner,
			"holder", rec.Owner,
			"expires_at", rec.ExpiresAt,
		)
		return Outcome{Status: StatusLocked, Holder: &rec}, nil
	}

	c.metrics.RecordLease(lock, op, "acquired")
	c.logger.Info("Lease acquired", "op", op, "lock", lock, "owner", owner, "expires_at", rec.ExpiresAt)
	return Outcome{
		Status: StatusAcquired,
		Handle: &Handle{Lock: lock, Owner: owner, ExpiresAt: rec.ExpiresAt},
	}, nil
}

// Verify confirms h is still live and returns it with the stored expiry
func (c *Coordinator) Verify(ctx context.Context, h Handle) (Handle, error) {
	expiresAt, err := c.store.Verify(ctx, h.Lock, h.Owner)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			c.metrics.RecordLease(h.Lock, "verify", "lost")
			c.logger.Error("Lease lost", "lock", h.Lock, "owner", h.Owner)
		}
		return h, err
	}
	h.ExpiresAt = expiresAt
	return h, nil
}

// Release gives up the lease. It is idempotent and runs detached from ctx
// cancellation so it still completes during shutdown, bounded by the
// configured release timeout and attempts.
func (c *Coordinator) Release(ctx context.Context, lock, owner string) error {
	if lock == "" {
		lock = c.cfg.Name
	}
	if owner == "" {
		return ErrMissingOwner
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReleaseTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.store.Release(ctx, lock, owner)
		if err != nil {
			c.logger.Warn("Lease release failed", "lock", lock, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ReleaseAttempts-1)), ctx))
	if err != nil {
		c.metrics.RecordLease(lock, "release", "error")
		return fmt.Errorf("lease: release after %d attempts: %w", attempt, err)
	}

	c.metrics.RecordLease(lock, "release", "released")
	c.logger.Info("Lease released", "lock", lock, "owner", owner)
	return nil
}

// ReleaseHandle releases the lease described by h
func (c *Coordinator) ReleaseHandle(ctx context.Context, h Handle) error {
	return c.Release(ctx, h.Lock, h.Owner)
}
