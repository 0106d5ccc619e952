// Package ingest runs one ingestion end to end: lease, fetch, load, refresh, release.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/fetcher"
	"github.com/framara/what-the-meta-backend/internal/lease"
	"github.com/framara/what-the-meta-backend/internal/loader"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/utils"
	"github.com/jonboulle/clockwork"
)

// Status is the overall outcome of a run
type Status string

const (
	StatusSuccess Status = "success"
	// StatusSkipped means another owner held the lease
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Fetcher stages shards for a run
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Summary, error)
}

// Loader merges staged shards; nil names load everything staged
type Loader interface {
	LoadAll(ctx context.Context, names []string) (*loader.Summary, error)
}

type Refresher interface {
	RefreshWithin(ctx context.Context, d *remote.Deadline) (*aggregates.Summary, error)
	RefreshAsync(ctx context.Context) (aggregates.Ticket, error)
}

// Stages builds the per-run pipeline. Fetch and Load receive a caller bound
// to the run deadline.
type Stages struct {
	Fetch   func(caller *remote.Caller) Fetcher
	Load    func(caller *remote.Caller) Loader
	Refresh Refresher
}

// Options of one run
type Options struct {
	fetcher.Request
	// Owner identifies this run in the lease; generated when empty
	Owner string `json:"owner,omitempty"`
	// TTL overrides the configured lease TTL
	TTL time.Duration `json:"ttl,omitempty"`
	// Steal forces the acquire when the current lease is about to expire
	Steal bool `json:"steal,omitempty"`
	// SkipFetch loads Shards, or everything staged when Shards is empty
	SkipFetch    bool     `json:"skip_fetch,omitempty"`
	Shards       []string `json:"shards,omitempty"`
	SkipRefresh  bool     `json:"skip_refresh,omitempty"`
	AsyncRefresh bool     `json:"async_refresh,omitempty"`
	// Budget overrides remote.runtime_budget
	Budget time.Duration `json:"budget,omitempty"`
}

// Result is reported to the caller of a run regardless of outcome
type Result struct {
	Status        Status              `json:"status"`
	Owner         string              `json:"owner"`
	Lease         *lease.Handle       `json:"lease,omitempty"`
	Holder        *lease.Record       `json:"holder,omitempty"`
	Deadline      time.Time           `json:"deadline,omitzero"`
	Fetch         *fetcher.Summary    `json:"fetch,omitempty"`
	Load          *loader.Summary     `json:"load,omitempty"`
	Refresh       *aggregates.Summary `json:"refresh,omitempty"`
	RefreshTicket *aggregates.Ticket  `json:"refresh_ticket,omitempty"`
	Error         string              `json:"error,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	Duration      time.Duration       `json:"duration_ns"`
}

type Orchestrator struct {
	leases  *lease.Coordinator
	stages  Stages
	caller  *remote.Caller
	cfg     *config.Config
	clock   clockwork.Clock
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func New(
	leases *lease.Coordinator,
	stages Stages,
	caller *remote.Caller,
	cfg *config.Config,
	clock clockwork.Clock,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		leases:  leases,
		stages:  stages,
		caller:  caller,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes one ingestion. The returned error is the run-level failure and
// is nil for success and skipped runs; per-shard failures are in the result.
// The lease is released before Run returns, also when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	start := o.clock.Now()
	res := &Result{Owner: opts.Owner, StartedAt: utils.NowUTC()}
	if res.Owner == "" {
		res.Owner = lease.NewOwner()
	}
	if opts.SeasonID == 0 && !opts.SkipFetch {
		opts.SeasonID = o.cfg.LatestSeason()
	}

	err := o.run(ctx, opts, res)

	res.Duration = o.clock.Since(start)
	switch {
	case err != nil:
		res.Status = StatusError
		res.Error = err.Error()
	case res.Status == "":
		res.Status = StatusSuccess
	}
	o.metrics.RecordRun(string(res.Status), res.Duration)

	o.logger.Info("Ingestion run finished",
		"status", res.Status,
		"owner", res.Owner,
		"duration", res.Duration,
		"error", res.Error,
	)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, opts Options, res *Result) error {
	acquire := o.leases.Acquire
	if opts.Steal {
		acquire = o.leases.Steal
	}
	out, err := acquire(ctx, "", res.Owner, opts.TTL)
	if err != nil {
		return err
	}
	if !out.Acquired() {
		res.Status = StatusSkipped
		res.Holder = out.Holder
		return nil
	}

	handle := *out.Handle
	res.Lease = &handle
	defer func() {
		if err := o.leases.ReleaseHandle(ctx, handle); err != nil {
			o.logger.Error("Failed to release lease", "lock", handle.Lock, "error", err)
		}
	}()

	deadline := o.deadline(handle, opts.Budget)
	res.Deadline = deadline.At()
	caller := o.caller.WithDeadline(deadline)

	o.logger.Info("Ingestion run started",
		"owner", res.Owner,
		"lock", handle.Lock,
		"lease_expires_at", handle.ExpiresAt,
		"deadline", deadline.At(),
	)

	var names []string
	if opts.SkipFetch && len(opts.Shards) > 0 {
		names = opts.Shards
	}
	if !opts.SkipFetch {
		summary, err := o.stages.Fetch(caller).Fetch(ctx, opts.Request)
		res.Fetch = summary
		if err != nil {
			return err
		}
		names = append([]string{}, summary.Staged...)
		if summary.Succeeded == 0 && summary.Failed > 0 {
			return fmt.Errorf("ingest: every shard fetch failed (%d)", summary.Failed)
		}
	}

	if handle, err = o.leases.Verify(ctx, handle); err != nil {
		return err
	}

	loaded, err := o.stages.Load(caller).LoadAll(ctx, names)
	res.Load = loaded
	if err != nil {
		return err
	}
	if loaded.Total > 0 && loaded.Succeeded == 0 {
		return fmt.Errorf("ingest: every shard load failed (%d)", loaded.Failed)
	}

	if opts.SkipRefresh || loaded.Succeeded == 0 {
		return nil
	}
	if _, err = o.leases.Verify(ctx, handle); err != nil {
		return err
	}

	if opts.AsyncRefresh {
		ticket, err := o.stages.Refresh.RefreshAsync(ctx)
		res.RefreshTicket = &ticket
		if errors.Is(err, aggregates.ErrRefreshInProgress) {
			o.logger.Warn("Aggregate refresh already running, not starting another", "ticket", ticket.ID)
			return nil
		}
		return err
	}

	refreshed, err := o.stages.Refresh.RefreshWithin(ctx, deadline)
	res.Refresh = refreshed
	return err
}

// deadline is the lease expiry minus the configured buffer, clamped to the
// runtime budget when one is set
func (o *Orchestrator) deadline(h lease.Handle, budget time.Duration) *remote.Deadline {
	d := remote.LeaseDeadline(o.clock, h.ExpiresAt, o.cfg.Lease.DeadlineBuffer, o.cfg.Remote.SafetyMargin)
	if budget <= 0 {
		budget = o.cfg.Remote.RuntimeBudget
	}
	if budget > 0 {
		d = d.Clamp(o.clock.Now().Add(budget))
	}
	return d
}
