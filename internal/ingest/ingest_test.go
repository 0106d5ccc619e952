package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/fetcher"
	"github.com/framara/what-the-meta-backend/internal/lease"
	"github.com/framara/what-the-meta-backend/internal/loader"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	summary *fetcher.Summary
	err     error
	req     fetcher.Request
	caller  *remote.Caller
	// during runs while the lease is held
	during func()
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetcher.Request) (*fetcher.Summary, error) {
	f.req = req
	if f.during != nil {
		f.during()
	}
	return f.summary, f.err
}

type fakeLoader struct {
	summary *loader.Summary
	err     error
	names   []string
	called  bool
}

func (l *fakeLoader) LoadAll(_ context.Context, names []string) (*loader.Summary, error) {
	l.called = true
	l.names = names
	return l.summary, l.err
}

type fakeRefresher struct {
	mu       sync.Mutex
	sync     int
	async    int
	deadline *remote.Deadline
	err      error
}

func (r *fakeRefresher) RefreshWithin(_ context.Context, d *remote.Deadline) (*aggregates.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync++
	r.deadline = d
	return &aggregates.Summary{Views: []aggregates.ViewResult{{View: "top_runs_global"}}}, r.err
}

func (r *fakeRefresher) RefreshAsync(context.Context) (aggregates.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.async++
	return aggregates.Ticket{ID: "t-1"}, r.err
}

type harness struct {
	clock     *clockwork.FakeClock
	store     *lease.MemoryStore
	leases    *lease.Coordinator
	fetcher   *fakeFetcher
	loader    *fakeLoader
	refresher *fakeRefresher
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testhelpers.NewTestConfig()
	cfg.Lease.Name = "daily"
	cfg.Lease.TTL = 10 * time.Minute
	cfg.Lease.DeadlineBuffer = time.Minute
	cfg.Remote.RuntimeBudget = 0
	cfg.Seasons = []config.SeasonConfig{{ID: 13, Dungeons: []int{503}}, {ID: 14, Dungeons: []int{505}}}

	h := &harness{
		clock: clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)),
		fetcher: &fakeFetcher{summary: &fetcher.Summary{
			Total: 2, Succeeded: 2, Staged: []string{"eu-s14-p1-d505-r1", "eu-s14-p1-d505-r2"},
		}},
		loader:    &fakeLoader{summary: &loader.Summary{Total: 2, Succeeded: 2}},
		refresher: &fakeRefresher{},
	}
	h.store = lease.NewMemoryStore(h.clock)
	h.leases = lease.NewCoordinator(h.store, cfg.Lease, nil, testhelpers.NewTestLogger())

	stages := Stages{
		Fetch: func(caller *remote.Caller) Fetcher {
			h.fetcher.caller = caller
			return h.fetcher
		},
		Load:    func(*remote.Caller) Loader { return h.loader },
		Refresh: h.refresher,
	}
	caller := remote.NewCaller(remote.Policy{MaxAttempts: 1}, nil, h.clock, testhelpers.NewTestLogger())
	h.orch = New(h.leases, stages, caller, cfg, h.clock, nil, testhelpers.NewTestLogger())
	return h
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	out, err := h.leases.Acquire(context.Background(), "daily", "probe", 0)
	require.NoError(t, err)
	assert.True(t, out.Acquired(), "lease should be free after the run")
	require.NoError(t, h.leases.Release(context.Background(), "daily", "probe"))
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "A", res.Owner)
	require.NotNil(t, res.Lease)

	// defaults to the latest configured season
	assert.Equal(t, 14, h.fetcher.req.SeasonID)
	assert.Equal(t, []string{"eu-s14-p1-d505-r1", "eu-s14-p1-d505-r2"}, h.loader.names)
	assert.Equal(t, 1, h.refresher.sync)
	assert.NotNil(t, res.Refresh)

	// deadline is the lease expiry minus the buffer
	expected := h.clock.Now().Add(9 * time.Minute)
	assert.Equal(t, expected, res.Deadline)
	assert.Equal(t, expected, h.fetcher.caller.Deadline().At())
	assert.Equal(t, expected, h.refresher.deadline.At())

	h.assertReleased(t)
}

func TestRun_BudgetClampsDeadline(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), Options{Owner: "A", Budget: 2 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(2*time.Minute), res.Deadline)
}

func TestRun_SkippedOnContention(t *testing.T) {
	h := newHarness(t)
	_, err := h.leases.Acquire(context.Background(), "daily", "other", 0)
	require.NoError(t, err)

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	require.NotNil(t, res.Holder)
	assert.Equal(t, "other", res.Holder.Owner)
	assert.Nil(t, res.Lease)
	assert.False(t, h.loader.called)

	// the holder keeps its lease
	_, err = h.store.Verify(context.Background(), "daily", "other")
	assert.NoError(t, err)
}

func TestRun_SkipFetchLoadsEverythingStaged(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), Options{Owner: "A", SkipFetch: true, SkipRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Nil(t, res.Fetch)
	assert.True(t, h.loader.called)
	assert.Nil(t, h.loader.names)
	assert.Zero(t, h.refresher.sync)
}

func TestRun_EmptyFetchLoadsNothing(t *testing.T) {
	h := newHarness(t)
	h.fetcher.summary = &fetcher.Summary{Total: 3, Absent: 3}
	h.loader.summary = &loader.Summary{}

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotNil(t, h.loader.names)
	assert.Empty(t, h.loader.names)
	assert.Zero(t, h.refresher.sync)
}

func TestRun_AsyncRefresh(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), Options{Owner: "A", AsyncRefresh: true})
	require.NoError(t, err)
	require.NotNil(t, res.RefreshTicket)
	assert.Equal(t, "t-1", res.RefreshTicket.ID)
	assert.Equal(t, 1, h.refresher.async)
	assert.Zero(t, h.refresher.sync)

	h.refresher.err = aggregates.ErrRefreshInProgress
	res, err = h.orch.Run(context.Background(), Options{Owner: "A", AsyncRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestRun_DeadlineIsRunLevelError(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = remote.ErrDeadlineExceeded

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.Error(t, err)
	assert.True(t, remote.IsDeadline(err))
	assert.Equal(t, StatusError, res.Status)
	assert.False(t, h.loader.called)
	h.assertReleased(t)
}

func TestRun_AllShardsFailed(t *testing.T) {
	h := newHarness(t)
	h.loader.summary = &loader.Summary{Total: 2, Failed: 2}

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.Error(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Zero(t, h.refresher.sync)
	h.assertReleased(t)
}

func TestRun_PartialFailureIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.loader.summary = &loader.Summary{Total: 2, Succeeded: 1, Failed: 1}

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, h.refresher.sync)
}

func TestRun_LostLeaseAborts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.during = func() {
		// the lease expires and another owner takes it mid-run
		h.clock.Advance(11 * time.Minute)
		out, err := h.leases.Acquire(context.Background(), "daily", "B", 0)
		require.NoError(t, err)
		require.True(t, out.Acquired())
	}

	res, err := h.orch.Run(context.Background(), Options{Owner: "A"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
	assert.Equal(t, StatusError, res.Status)
	assert.False(t, h.loader.called)

	// the new holder is untouched by A's release
	_, err = h.store.Verify(context.Background(), "daily", "B")
	assert.NoError(t, err)
}

func TestRun_ReleasesOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.during = cancel
	h.fetcher.err = context.Canceled

	_, err := h.orch.Run(ctx, Options{Owner: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	h.assertReleased(t)
}

func TestRun_SkipFetchNamedShards(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Run(context.Background(), Options{
		Owner:       "A",
		SkipFetch:   true,
		SkipRefresh: true,
		Shards:      []string{"eu-s14-p1-d505-r1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-s14-p1-d505-r1"}, h.loader.names)
}
