// Package loader applies staged shards to the relational store.
//
// Each shard is applied in its own transaction with an upsert keyed on the run
// natural key, so loading the same shard any number of times converges to the
// same rows. Shard failures are isolated; only a run-level deadline stops the
// remaining shards.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/staging"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted marks shards skipped because the run was aborted first
var ErrNotStarted = errors.New("loader: shard not started")

// TxBeginner opens a transaction; *pgxpool.Pool satisfies it
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ShardResult is the outcome of loading one shard
type ShardResult struct {
	Name     string        `json:"name"`
	Runs     int           `json:"runs"`
	Members  int           `json:"members"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

func (r ShardResult) Failed() bool {
	return r.Err != nil
}

// Summary aggregates the shard results of one load
type Summary struct {
	Strategy  string        `json:"strategy"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Runs      int           `json:"runs"`
	Members   int           `json:"members"`
	Duration  time.Duration `json:"duration_ns"`
	Results   []ShardResult `json:"results"`
}

func (s *Summary) add(r ShardResult) {
	if r.Err != nil {
		s.Failed++
		return
	}
	s.Succeeded++
	s.Runs += r.Runs
	s.Members += r.Members
}

// Loader applies staged shards under a bounded number of concurrent transactions
type Loader struct {
	db       TxBeginner
	store    staging.Store
	strategy Strategy
	caller   *remote.Caller
	cfg      config.IngestConfig
	metrics  *monitoring.Metrics
	logger   *slog.Logger
}

// New creates a loader. The caller's policy is reused with the per-shard timeout.
func New(
	db TxBeginner,
	store staging.Store,
	caller *remote.Caller,
	cfg config.IngestConfig,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) (*Loader, error) {
	strategy, err := StrategyFor(cfg.Strategy, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	policy := caller.Policy()
	if cfg.ShardTimeout > 0 {
		policy.CallTimeout = cfg.ShardTimeout
	}
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = 1
	}

	return &Loader{
		db:       db,
		store:    store,
		strategy: strategy,
		caller:   caller.WithPolicy(policy),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// WithCaller returns a loader bound to another caller, keeping the shard timeout
func (l *Loader) WithCaller(caller *remote.Caller) *Loader {
	cp := *l
	policy := caller.Policy()
	policy.CallTimeout = l.caller.Policy().CallTimeout
	cp.caller = caller.WithPolicy(policy)
	return &cp
}

// Strategy returns the name of the active strategy
func (l *Loader) Strategy() string {
	return l.strategy.Name()
}

// LoadAll loads the named shards, or every staged shard when names is nil.
// The returned error is run-level (listing failed, deadline, cancellation);
// per-shard failures are only reported in the summary.
func (l *Loader) LoadAll(ctx context.Context, names []string) (*Summary, error) {
	start := time.Now()

	if names == nil {
		listed, err := remote.Call(ctx, l.caller, "staging list", l.store.List)
		if err != nil {
			return nil, fmt.Errorf("loader: list staged shards: %w", err)
		}
		names = listed
	}

	summary := &Summary{
		Strategy: l.strategy.Name(),
		Total:    len(names),
		Results:  make([]ShardResult, len(names)),
	}
	if len(names) == 0 {
		l.logger.Info("No staged shards to load")
		return summary, nil
	}

	l.logger.Info("Loading staged shards",
		"shards", len(names),
		"strategy", l.strategy.Name(),
		"concurrency", l.cfg.LoadConcurrency,
	)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var processed atomic.Int64
	stopProgress := l.startProgress(&processed, len(names))

	var g errgroup.Group
	g.SetLimit(max(l.cfg.LoadConcurrency, 1))
	started := make([]bool, len(names))

	for i, name := range names {
		if runCtx.Err() != nil {
			break
		}
		// Go blocks until a slot frees, so the run may have been aborted meanwhile
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			started[i] = true
			res := l.LoadShard(runCtx, name)
			if remote.IsDeadline(res.Err) {
				abort(res.Err)
			}
			summary.Results[i] = res
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait() // shard errors are kept in the results
	stopProgress()

	runErr := context.Cause(runCtx)
	if ctx.Err() != nil {
		runErr = ctx.Err()
	}
	for i, name := range names {
		if !started[i] {
			summary.Results[i] = ShardResult{
				Name:  name,
				Err:   fmt.Errorf("%w: %v", ErrNotStarted, runErr),
				Error: ErrNotStarted.Error(),
			}
		}
		summary.add(summary.Results[i])
	}
	summary.Duration = time.Since(start)

	l.logger.Info("Load finished",
		"shards", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"runs", summary.Runs,
		"members", summary.Members,
		"duration", summary.Duration,
	)

	if runErr != nil {
		return summary, fmt.Errorf("loader: aborted: %w", runErr)
	}
	return summary, nil
}

// LoadShard reads one staged shard and applies it in a single transaction
func (l *Loader) LoadShard(ctx context.Context, name string) ShardResult {
	start := time.Now()
	res := ShardResult{Name: name}

	counts, err := l.loadShard(ctx, name)
	res.Duration = time.Since(start)
	l.metrics.RecordShardLoaded(l.strategy.Name(), err, counts.Runs, counts.Members)

	if err != nil {
		res.Err = err
		res.Error = err.Error()
		if remote.KindOf(err) == remote.KindConstraintViolation {
			l.logger.Error("Constraint violation while loading shard, upsert keys are inconsistent",
				"shard", name,
				"error", err,
			)
		} else {
			l.logger.Warn("Failed to load shard", "shard", name, "error", err)
		}
		return res
	}

	res.Runs = counts.Runs
	res.Members = counts.Members
	l.logger.Debug("Shard loaded",
		"shard", name,
		"runs", counts.Runs,
		"members", counts.Members,
		"duration", res.Duration,
	)

	if l.cfg.DeleteAfterLoad {
		if err := l.store.Delete(ctx, name); err != nil {
			l.logger.Warn("Failed to delete loaded shard", "shard", name, "error", err)
		}
	}
	return res
}

func (l *Loader) loadShard(ctx context.Context, name string) (Counts, error) {
	shard, err := remote.Call(ctx, l.caller, "staging get "+name, func(ctx context.Context) (*domain.Shard, error) {
		return l.store.Get(ctx, name)
	})
	if err != nil {
		return Counts{}, err
	}

	return remote.Call(ctx, l.caller, "load "+name, func(ctx context.Context) (Counts, error) {
		return l.apply(ctx, shard)
	})
}

func (l *Loader) apply(ctx context.Context, shard *domain.Shard) (Counts, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if tx is already committed
		_ = tx.Rollback(ctx)
	}()

	counts, err := l.strategy.Apply(ctx, tx, shard)
	if err != nil {
		return Counts{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Counts{}, fmt.Errorf("commit transaction: %w", err)
	}
	return counts, nil
}

// startProgress logs processed/total every progress interval until stopped
func (l *Loader) startProgress(processed *atomic.Int64, total int) func() {
	l.metrics.SetLoadProgress(0, total)
	if l.cfg.ProgressInterval <= 0 {
		return func() { l.metrics.SetLoadProgress(int(processed.Load()), total) }
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := int(processed.Load())
				l.metrics.SetLoadProgress(n, total)
				l.logger.Info("Load progress",
					"processed", n,
					"total", total,
					"percent", fmt.Sprintf("%.1f", float64(n)/float64(total)*100),
				)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		l.metrics.SetLoadProgress(int(processed.Load()), total)
	}
}
