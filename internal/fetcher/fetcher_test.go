package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/staging"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeason = 14

type fakeSource struct {
	mu      sync.Mutex
	realms  map[string][]int
	periods []int
	// errs maps shard names to the error Leaderboard returns
	errs map[string]error
	// periodErrs maps regions to the error SeasonPeriods returns
	periodErrs map[string]error
	calls      []string
}

func (s *fakeSource) Realms(region string) []int {
	return s.realms[region]
}

func (s *fakeSource) SeasonPeriods(_ context.Context, region string, seasonID int) ([]int, error) {
	if seasonID != testSeason {
		return nil, remote.NewStatusError(404, 0, fmt.Errorf("season %d", seasonID))
	}
	if err, ok := s.periodErrs[region]; ok {
		return nil, err
	}
	return s.periods, nil
}

func (s *fakeSource) Leaderboard(_ context.Context, key domain.ShardKey) ([]domain.Group, error) {
	s.mu.Lock()
	s.calls = append(s.calls, key.Name())
	s.mu.Unlock()

	if err, ok := s.errs[key.Name()]; ok {
		return nil, err
	}
	rating := 250.0
	return []domain.Group{
		{
			Rank:          1,
			CompletedAt:   time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC),
			DurationMs:    1_500_000,
			KeystoneLevel: 20,
			Rating:        &rating,
			Members:       []domain.GroupMember{{Name: "Tank", SpecID: 73, ClassID: 1, Role: domain.RoleTank}},
		},
		{
			Rank:          2,
			CompletedAt:   time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC),
			DurationMs:    1_500_000,
			KeystoneLevel: 20,
			Members:       []domain.GroupMember{{Name: " "}},
		},
	}, nil
}

type fakeTimers struct {
	err error
	// failures is how many lookups return err before succeeding; zero fails every lookup
	failures int32
	unmapped bool
	calls    atomic.Int32
}

func (t *fakeTimers) Timers(_ context.Context, seasonID, dungeonID int) (*domain.DungeonTimers, error) {
	n := t.calls.Add(1)
	if t.err != nil && (t.failures == 0 || n <= t.failures) {
		return nil, t.err
	}
	if t.unmapped {
		return nil, nil
	}
	return &domain.DungeonTimers{
		SeasonID:  seasonID,
		DungeonID: dungeonID,
		Tier1Ms:   1_800_000,
		Tier2Ms:   1_440_000,
		Tier3Ms:   1_080_000,
	}, nil
}

func newTestFetcher(t *testing.T, src *fakeSource, timers TimerLookup) (*Fetcher, staging.Store) {
	t.Helper()
	store, err := staging.NewFSStore(afero.NewMemMapFs(), "/staging", staging.Codec{}, testhelpers.NewTestLogger())
	require.NoError(t, err)

	cfg := testhelpers.NewTestConfig()
	cfg.Upstream.Regions = []string{"eu", "us"}
	cfg.Seasons = []config.SeasonConfig{{ID: testSeason, Dungeons: []int{503, 505}}}
	cfg.Ingest.FetchConcurrency = 3

	caller := remote.NewCaller(remote.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, nil, nil, testhelpers.NewTestLogger())
	return New(src, timers, store, caller, cfg, nil, testhelpers.NewTestLogger()), store
}

func newSource() *fakeSource {
	return &fakeSource{
		realms:  map[string][]int{"eu": {1305, 1401}, "us": {3678}},
		periods: []int{977, 978},
		errs:       map[string]error{},
		periodErrs: map[string]error{},
	}
}

func TestPlan_CartesianProduct(t *testing.T) {
	f, _ := newTestFetcher(t, newSource(), &fakeTimers{})

	plan, err := f.Plan(context.Background(), Request{SeasonID: testSeason})
	require.NoError(t, err)
	assert.Empty(t, plan.Failed)
	keys := plan.Keys
	// eu: 2 periods x 2 dungeons x 2 realms, us: 2 x 2 x 1
	assert.Len(t, keys, 12)
	assert.Equal(t, "eu-s14-p977-d503-r1305", keys[0].Name())
	assert.Equal(t, "us-s14-p978-d505-r3678", keys[len(keys)-1].Name())
}

func TestPlan_ExplicitSelection(t *testing.T) {
	f, _ := newTestFetcher(t, newSource(), &fakeTimers{})

	plan, err := f.Plan(context.Background(), Request{
		Regions:    []string{"us"},
		SeasonID:   testSeason,
		PeriodIDs:  []int{980},
		DungeonIDs: []int{507},
	})
	require.NoError(t, err)
	require.Len(t, plan.Keys, 1)
	assert.Equal(t, domain.ShardKey{Region: "us", SeasonID: testSeason, PeriodID: 980, DungeonID: 507, RealmID: 3678}, plan.Keys[0])
}

func TestPlan_Errors(t *testing.T) {
	f, _ := newTestFetcher(t, newSource(), &fakeTimers{})

	_, err := f.Plan(context.Background(), Request{SeasonID: 99})
	assert.ErrorIs(t, err, ErrNoDungeons)

	// a season unknown upstream marks each region absent
	plan, err := f.Plan(context.Background(), Request{SeasonID: 99, DungeonIDs: []int{1}})
	require.NoError(t, err)
	assert.Empty(t, plan.Keys)
	require.Len(t, plan.Failed, 2)
	assert.Equal(t, "eu-s99", plan.Failed[0].Name)
	assert.Equal(t, OutcomeAbsent, plan.Failed[0].Outcome)
	assert.Equal(t, OutcomeAbsent, plan.Failed[1].Outcome)
}

func TestPlan_DeadlineWhileListingPeriodsAborts(t *testing.T) {
	src := newSource()
	src.periodErrs["us"] = fmt.Errorf("periods: %w", remote.ErrDeadlineExceeded)
	f, _ := newTestFetcher(t, src, &fakeTimers{})

	_, err := f.Plan(context.Background(), Request{SeasonID: testSeason})
	require.Error(t, err)
	assert.True(t, remote.IsDeadline(err))
}

func TestFetch_RegionWithoutPeriodsDoesNotBlockOthers(t *testing.T) {
	src := newSource()
	src.periodErrs["us"] = remote.NewStatusError(503, 0, errors.New("maintenance"))
	f, store := newTestFetcher(t, src, &fakeTimers{})

	summary, err := f.Fetch(context.Background(), Request{SeasonID: testSeason})
	require.NoError(t, err)
	// eu: 2 periods x 2 dungeons x 2 realms, plus the failed us region
	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 8, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, "us-s14", summary.Results[0].Name)
	assert.Equal(t, OutcomeError, summary.Results[0].Outcome)
	assert.Contains(t, summary.Results[0].Error, "maintenance")

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 8)
	for _, name := range names {
		assert.Contains(t, name, "eu-")
	}
}

func TestFetch_StagesNormalizedShards(t *testing.T) {
	f, store := newTestFetcher(t, newSource(), &fakeTimers{})

	summary, err := f.Fetch(context.Background(), Request{Regions: []string{"us"}, SeasonID: testSeason, PeriodIDs: []int{977}})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 4, summary.Runs)
	assert.Equal(t, []string{"us-s14-p977-d503-r3678", "us-s14-p977-d505-r3678"}, summary.Staged)

	shard, err := store.Get(context.Background(), "us-s14-p977-d503-r3678")
	require.NoError(t, err)
	require.Len(t, shard.Runs, 2)

	official := shard.Runs[0]
	require.NotNil(t, official.Score)
	assert.InDelta(t, 250.0, *official.Score, 1e-9)
	assert.Equal(t, "us", official.Region)
	require.Len(t, official.Members, 1)

	// no rating: scored from timers, blank member dropped
	fallback := shard.Runs[1]
	require.NotNil(t, fallback.Score)
	assert.Greater(t, *fallback.Score, 210.0)
	assert.Less(t, *fallback.Score, 217.5)
	assert.Empty(t, fallback.Members)
}

func TestFetch_UnmappedDungeonLeavesRunsUnscored(t *testing.T) {
	f, store := newTestFetcher(t, newSource(), &fakeTimers{unmapped: true})

	summary, err := f.Fetch(context.Background(), Request{Regions: []string{"us"}, SeasonID: testSeason, PeriodIDs: []int{977}, DungeonIDs: []int{503}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	shard, err := store.Get(context.Background(), summary.Staged[0])
	require.NoError(t, err)
	assert.NotNil(t, shard.Runs[0].Score)
	assert.Nil(t, shard.Runs[1].Score)
}

func TestFetch_TimerLookupErrorFailsShard(t *testing.T) {
	timers := &fakeTimers{err: errors.New("db down")}
	f, store := newTestFetcher(t, newSource(), timers)

	summary, err := f.Fetch(context.Background(), Request{Regions: []string{"us"}, SeasonID: testSeason, PeriodIDs: []int{977}, DungeonIDs: []int{503}})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, OutcomeError, summary.Results[0].Outcome)
	assert.Contains(t, summary.Results[0].Error, "db down")
	// fatal errors are not retried
	assert.Equal(t, int32(1), timers.calls.Load())

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFetch_TimerLookupRetriesTransientErrors(t *testing.T) {
	timers := &fakeTimers{err: remote.NewStatusError(503, 0, errors.New("busy")), failures: 1}
	f, store := newTestFetcher(t, newSource(), timers)

	summary, err := f.Fetch(context.Background(), Request{Regions: []string{"us"}, SeasonID: testSeason, PeriodIDs: []int{977}, DungeonIDs: []int{503}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, int32(2), timers.calls.Load())

	shard, err := store.Get(context.Background(), summary.Staged[0])
	require.NoError(t, err)
	assert.NotNil(t, shard.Runs[1].Score)
}

func TestFetch_AbsentAndFailedShardsAreIsolated(t *testing.T) {
	src := newSource()
	src.errs["us-s14-p977-d503-r3678"] = remote.NewStatusError(404, 0, errors.New("no leaderboard"))
	src.errs["us-s14-p977-d505-r3678"] = remote.NewStatusError(400, 0, errors.New("bad request"))
	f, store := newTestFetcher(t, src, &fakeTimers{})

	summary, err := f.Fetch(context.Background(), Request{Regions: []string{"us"}, SeasonID: testSeason})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Absent)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Succeeded)

	byName := map[string]ShardResult{}
	for _, r := range summary.Results {
		byName[r.Name] = r
	}
	assert.Equal(t, OutcomeAbsent, byName["us-s14-p977-d503-r3678"].Outcome)
	assert.Equal(t, OutcomeError, byName["us-s14-p977-d505-r3678"].Outcome)
	assert.Contains(t, byName["us-s14-p977-d505-r3678"].Error, "bad request")

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, summary.Staged, names)
}

func TestFetch_DeadlineAbortsRun(t *testing.T) {
	src := newSource()
	src.errs["eu-s14-p977-d503-r1305"] = fmt.Errorf("leaderboard: %w", remote.ErrDeadlineExceeded)
	f, _ := newTestFetcher(t, src, &fakeTimers{})
	f.cfg.FetchConcurrency = 1

	summary, err := f.Fetch(context.Background(), Request{SeasonID: testSeason})
	require.Error(t, err)
	assert.True(t, remote.IsDeadline(err))
	require.NotNil(t, summary)

	// the first shard failed and nothing after it was attempted
	assert.Len(t, src.calls, 1)
	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 12, summary.Failed)
	assert.Equal(t, OutcomeNotStarted, summary.Results[1].Outcome)
}

func TestFetch_Canceled(t *testing.T) {
	f, _ := newTestFetcher(t, newSource(), &fakeTimers{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.Fetch(ctx, Request{SeasonID: testSeason, PeriodIDs: []int{977}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Succeeded)
}
