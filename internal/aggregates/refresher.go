// Package aggregates rebuilds the precomputed ranking views after a load.
package aggregates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/store/queries"
	"github.com/framara/what-the-meta-backend/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRefreshInProgress is returned when an async refresh is already running
var ErrRefreshInProgress = errors.New("aggregates: refresh already in progress")

// ErrShuttingDown is returned by RefreshAsync once Shutdown has been called
var ErrShuttingDown = errors.New("aggregates: shutting down")

// DB is the subset of *pgxpool.Pool the refresher needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ViewResult is the outcome of refreshing one view
type ViewResult struct {
	View     string        `json:"view"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Summary is the outcome of one synchronous refresh
type Summary struct {
	Views    []ViewResult  `json:"views"`
	Duration time.Duration `json:"duration_ns"`
}

// Ticket identifies an async refresh
type Ticket struct {
	ID        string    `json:"id"`
	Views     []string  `json:"views"`
	StartedAt time.Time `json:"started_at"`
}

// Activity is one in-flight refresh statement as seen by the database
type Activity struct {
	PID        int        `json:"pid"`
	State      string     `json:"state"`
	QueryStart *time.Time `json:"query_start,omitempty"`
	Query      string     `json:"query"`
}

// Refresher rebuilds every configured view
type Refresher struct {
	db      DB
	cfg     config.AggregatesConfig
	caller  *remote.Caller
	metrics *monitoring.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running *Ticket
	last    *Summary
	lastErr error
	closing bool
	// wg is only added to while holding mu and before closing is set
	wg sync.WaitGroup
}

// New creates a refresher; the caller's policy is reused with the refresh timeout
func New(db DB, cfg config.AggregatesConfig, caller *remote.Caller, metrics *monitoring.Metrics, logger *slog.Logger) *Refresher {
	policy := caller.Policy()
	if cfg.Timeout > 0 {
		policy.CallTimeout = cfg.Timeout
	}
	return &Refresher{
		db:      db,
		cfg:     cfg,
		caller:  caller.WithPolicy(policy),
		metrics: metrics,
		logger:  logger,
	}
}

// Views returns the views refreshed in order
func (r *Refresher) Views() []string {
	return r.cfg.Views
}

// Refresh rebuilds every view and blocks until done. A failed view does not
// stop the others unless the job deadline is exceeded.
func (r *Refresher) Refresh(ctx context.Context) (*Summary, error) {
	return r.refresh(ctx, r.caller)
}

// RefreshWithin is Refresh with every statement clamped to the run deadline d
func (r *Refresher) RefreshWithin(ctx context.Context, d *remote.Deadline) (*Summary, error) {
	return r.refresh(ctx, r.caller.WithDeadline(d))
}

func (r *Refresher) refresh(ctx context.Context, caller *remote.Caller) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Views: make([]ViewResult, 0, len(r.cfg.Views))}

	var errs []error
	for _, view := range r.cfg.Views {
		viewStart := time.Now()
		err := r.refreshView(ctx, caller, view)
		res := ViewResult{View: view, Duration: time.Since(viewStart)}
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, err)
		}
		summary.Views = append(summary.Views, res)

		if remote.IsDeadline(err) || ctx.Err() != nil {
			break
		}
	}
	summary.Duration = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return summary, fmt.Errorf("aggregates: refresh: %w", err)
	}
	return summary, nil
}

func (r *Refresher) refreshView(ctx context.Context, caller *remote.Caller, view string) error {
	start := time.Now()
	stmt := queries.RefreshView(view, r.cfg.Concurrently)

	err := caller.Do(ctx, "refresh "+view, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, stmt)
		return err
	})
	elapsed := time.Since(start)
	r.metrics.ObserveRefresh(view, elapsed, err)

	if err != nil {
		r.logger.Error("Failed to refresh aggregate view", "view", view, "error", err)
		return err
	}
	r.logger.Info("Aggregate view refreshed", "view", view, "duration", elapsed)
	return nil
}

// RefreshAsync starts a refresh in the background and returns immediately.
// The refresh outlives ctx cancellation but is bounded by the refresh timeout;
// progress is observable through Status.
func (r *Refresher) RefreshAsync(ctx context.Context) (Ticket, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return Ticket{}, ErrShuttingDown
	}
	if r.running != nil {
		running := *r.running
		r.mu.Unlock()
		return running, ErrRefreshInProgress
	}
	ticket := Ticket{
		ID:        uuid.NewString(),
		Views:     append([]string(nil), r.cfg.Views...),
		StartedAt: utils.NowUTC(),
	}
	r.running = &ticket
	r.wg.Add(1)
	r.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if r.cfg.Timeout > 0 {
		bg, cancel = context.WithTimeout(bg, r.cfg.Timeout*time.Duration(max(1, len(ticket.Views))))
	} else {
		bg, cancel = context.WithCancel(bg)
	}

	go func() {
		defer r.wg.Done()
		defer cancel()

		summary, err := r.Refresh(bg)

		r.mu.Lock()
		r.running = nil
		r.last = summary
		r.lastErr = err
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("Async aggregate refresh failed", "ticket", ticket.ID, "error", err)
			return
		}
		r.logger.Info("Async aggregate refresh finished",
			"ticket", ticket.ID,
			"duration", summary.Duration,
		)
	}()

	r.logger.Info("Async aggregate refresh started", "ticket", ticket.ID, "views", len(ticket.Views))
	return ticket, nil
}

// Shutdown refuses further async refreshes and waits for the one in flight,
// if any, until ctx is done
func (r *Refresher) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	return r.Wait(ctx)
}

// Wait blocks until background refreshes finish or ctx is done
func (r *Refresher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the in-flight async refresh started by this process, if any
func (r *Refresher) Running() *Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		return nil
	}
	t := *r.running
	return &t
}

// Last returns the outcome of the most recent async refresh
func (r *Refresher) Last() (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastErr
}

// Status lists refresh statements currently executing in the database,
// including ones issued by other processes
func (r *Refresher) Status(ctx context.Context) ([]Activity, error) {
	rows, err := r.db.Query(ctx, queries.ActiveRefreshes)
	if err != nil {
		return nil, fmt.Errorf("aggregates: status: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a     Activity
			state *string
		)
		if err := rows.Scan(&a.PID, &state, &a.QueryStart, &a.Query); err != nil {
			return nil, fmt.Errorf("aggregates: status: %w", err)
		}
		if state != nil {
			a.State = *state
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregates: status: %w", err)
	}
	return out, nil
}
