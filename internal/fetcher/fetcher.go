// Package fetcher turns upstream leaderboards into staged shards.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/monitoring"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/scoring"
	"github.com/framara/what-the-meta-backend/internal/staging"
	"github.com/framara/what-the-meta-backend/internal/worker"
)

var (
	// ErrNoDungeons is returned when a season has no dungeons to fetch
	ErrNoDungeons = errors.New("fetcher: no dungeons configured for season")
	// ErrNotStarted marks shards skipped after the run was aborted
	ErrNotStarted = errors.New("fetcher: not started, run aborted")
)

// Source is the upstream API as used by the fetcher
type Source interface {
	Realms(region string) []int
	SeasonPeriods(ctx context.Context, region string, seasonID int) ([]int, error)
	Leaderboard(ctx context.Context, key domain.ShardKey) ([]domain.Group, error)
}

// TimerLookup resolves dungeon thresholds; nil timers mean unknown
type TimerLookup interface {
	Timers(ctx context.Context, seasonID, dungeonID int) (*domain.DungeonTimers, error)
}

// Outcome of one shard fetch
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeAbsent means the upstream has no leaderboard for the shard
	OutcomeAbsent     Outcome = "absent"
	OutcomeError      Outcome = "error"
	OutcomeNotStarted Outcome = "not_started"
)

// Request selects what to fetch. Empty periods mean every period of the
// season; empty dungeons mean the season's configured dungeons.
type Request struct {
	Regions    []string `json:"regions,omitempty"`
	SeasonID   int      `json:"season_id"`
	PeriodIDs  []int    `json:"period_ids,omitempty"`
	DungeonIDs []int    `json:"dungeon_ids,omitempty"`
}

type ShardResult struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Runs     int           `json:"runs"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// Summary of a fetch run. Staged lists the shards ready to load.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Absent    int           `json:"absent"`
	Failed    int           `json:"failed"`
	Runs      int           `json:"runs"`
	Duration  time.Duration `json:"duration_ns"`
	Staged    []string      `json:"staged"`
	Results   []ShardResult `json:"results"`
}

// ShardPlan is the expansion of a request. Failed holds one result per region
// whose periods could not be listed; its shards are not planned.
type ShardPlan struct {
	Keys   []domain.ShardKey
	Failed []ShardResult
}

type Fetcher struct {
	source  Source
	timers  TimerLookup
	store   staging.Store
	caller  *remote.Caller
	cfg     config.IngestConfig
	regions []string
	seasons map[int][]int
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func New(
	source Source,
	timers TimerLookup,
	store staging.Store,
	caller *remote.Caller,
	cfg *config.Config,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *Fetcher {
	if caller == nil {
		caller = remote.NewCaller(remote.DefaultPolicy(), nil, nil, logger)
	}
	seasons := make(map[int][]int, len(cfg.Seasons))
	for _, s := range cfg.Seasons {
		seasons[s.ID] = s.Dungeons
	}
	return &Fetcher{
		source:  source,
		timers:  timers,
		store:   store,
		caller:  caller,
		cfg:     cfg.Ingest,
		regions: cfg.Upstream.Regions,
		seasons: seasons,
		metrics: metrics,
		logger:  logger,
	}
}

// Plan expands req into the ordered list of shard keys:
// regions x periods x dungeons x realms.
// A region whose periods cannot be listed is reported in Failed and the other
// regions are still planned; only a deadline or cancellation aborts the plan.
func (f *Fetcher) Plan(ctx context.Context, req Request) (*ShardPlan, error) {
	regions := req.Regions
	if len(regions) == 0 {
		regions = f.regions
	}
	dungeons := req.DungeonIDs
	if len(dungeons) == 0 {
		dungeons = f.seasons[req.SeasonID]
	}
	if len(dungeons) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoDungeons, req.SeasonID)
	}

	plan := &ShardPlan{}
	for _, region := range regions {
		realms := f.source.Realms(region)
		if len(realms) == 0 {
			f.logger.Warn("No realms configured for region, skipping", "region", region)
			continue
		}

		periods := req.PeriodIDs
		if len(periods) == 0 {
			var err error
			periods, err = f.source.SeasonPeriods(ctx, region, req.SeasonID)
			if err != nil {
				err = fmt.Errorf("fetcher: list periods of season %d in %s: %w", req.SeasonID, region, err)
				if remote.IsDeadline(err) || ctx.Err() != nil {
					return nil, err
				}
				plan.Failed = append(plan.Failed, f.regionFailure(region, req.SeasonID, err))
				continue
			}
		}

		for _, period := range periods {
			for _, dungeon := range dungeons {
				for _, realm := range realms {
					plan.Keys = append(plan.Keys, domain.ShardKey{
						Region:    region,
						SeasonID:  req.SeasonID,
						PeriodID:  period,
						DungeonID: dungeon,
						RealmID:   realm,
					})
				}
			}
		}
	}

	return plan, nil
}

// regionFailure reports a region that could not be planned. A season the
// upstream does not know in that region counts as absent.
func (f *Fetcher) regionFailure(region string, seasonID int, err error) ShardResult {
	res := ShardResult{Name: fmt.Sprintf("%s-s%d", region, seasonID)}
	if remote.IsNotFound(err) {
		res.Outcome = OutcomeAbsent
		f.logger.Warn("Season unknown upstream, skipping region", "region", region, "season_id", seasonID)
	} else {
		res.Outcome = OutcomeError
		res.Err = err
		res.Error = err.Error()
		f.logger.Error("Failed to plan region", "region", region, "season_id", seasonID, "error", err)
	}
	f.metrics.RecordShardFetched(string(res.Outcome))
	return res
}

// Fetch plans req and stages every shard. Shard failures are reported in the
// summary; a deadline failure aborts the remaining shards and is returned.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Summary, error) {
	start := time.Now()

	plan, err := f.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	keys := plan.Keys

	f.logger.Info("Fetching shards",
		"season_id", req.SeasonID,
		"shards", len(keys),
		"concurrency", f.cfg.FetchConcurrency,
	)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	jobs := make([]worker.Job, len(keys))
	for i, key := range keys {
		jobs[i] = &fetchJob{f: f, key: key, abort: abort}
	}
	results := worker.RunAll(runCtx, f.cfg.FetchConcurrency, jobs, f.logger)

	all := slices.Clone(plan.Failed)
	for i, r := range results {
		switch v := r.(type) {
		case jobResult:
			all = append(all, v.res)
		default:
			res := ShardResult{Name: keys[i].Name(), Outcome: OutcomeError, Err: r.Error()}
			res.Error = res.Err.Error()
			all = append(all, res)
		}
	}

	summary := &Summary{Total: len(all), Results: make([]ShardResult, 0, len(all))}
	for _, res := range all {
		switch res.Outcome {
		case OutcomeSuccess:
			summary.Succeeded++
			summary.Runs += res.Runs
			summary.Staged = append(summary.Staged, res.Name)
		case OutcomeAbsent:
			summary.Absent++
		default:
			summary.Failed++
		}
		summary.Results = append(summary.Results, res)
	}
	slices.Sort(summary.Staged)
	summary.Duration = time.Since(start)

	f.logger.Info("Fetch finished",
		"shards", summary.Total,
		"succeeded", summary.Succeeded,
		"absent", summary.Absent,
		"failed", summary.Failed,
		"runs", summary.Runs,
		"duration", summary.Duration,
	)

	if ctx.Err() != nil {
		return summary, fmt.Errorf("fetcher: aborted: %w", context.Cause(ctx))
	}
	if cause := context.Cause(runCtx); cause != nil {
		return summary, fmt.Errorf("fetcher: aborted: %w", cause)
	}
	return summary, nil
}

type fetchJob struct {
	f     *Fetcher
	key   domain.ShardKey
	abort context.CancelCauseFunc
}

type jobResult struct {
	res ShardResult
}

func (r jobResult) Error() error {
	return r.res.Err
}

func (j *fetchJob) Execute(ctx context.Context) worker.Result {
	name := j.key.Name()
	if ctx.Err() != nil {
		j.f.metrics.RecordShardFetched(string(OutcomeNotStarted))
		return jobResult{ShardResult{Name: name, Outcome: OutcomeNotStarted, Err: ErrNotStarted, Error: ErrNotStarted.Error()}}
	}

	start := time.Now()
	runs, err := j.f.fetchShard(ctx, j.key)
	res := ShardResult{Name: name, Runs: runs, Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
		j.f.logger.Debug("Shard staged", "shard", name, "runs", runs)
	case remote.IsNotFound(err):
		res.Outcome = OutcomeAbsent
		j.f.logger.Debug("Shard absent upstream", "shard", name)
	default:
		res.Outcome = OutcomeError
		res.Err = err
		res.Error = err.Error()
		j.f.logger.Error("Failed to fetch shard", "shard", name, "error", err)
		if remote.IsDeadline(err) {
			j.abort(err)
		}
	}

	j.f.metrics.RecordShardFetched(string(res.Outcome))
	return jobResult{res}
}

func (f *Fetcher) fetchShard(ctx context.Context, key domain.ShardKey) (int, error) {
	groups, err := f.source.Leaderboard(ctx, key)
	if err != nil {
		return 0, err
	}

	timers, err := remote.Call(ctx, f.caller, "dungeon_timers", func(ctx context.Context) (*domain.DungeonTimers, error) {
		return f.timers.Timers(ctx, key.SeasonID, key.DungeonID)
	})
	if err != nil {
		// staging unscored runs would overwrite stored scores with NULL
		return 0, fmt.Errorf("dungeon timers for %s: %w", key.Name(), err)
	}
	if timers == nil {
		f.logger.Debug("Dungeon not mapped, runs without a rating stay unscored", "shard", key.Name())
	}

	shard := &domain.Shard{
		Key:  key,
		Runs: scoring.NormalizeAll(groups, scoring.Context{Key: key, Timers: timers}),
	}
	if err := f.store.Put(ctx, shard); err != nil {
		return 0, fmt.Errorf("stage %s: %w", key.Name(), err)
	}
	return len(shard.Runs), nil
}
