package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/aggregates"
	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/ingest"
	"github.com/framara/what-the-meta-backend/internal/lease"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngestor struct {
	opts ingest.Options
	res  *ingest.Result
	err  error
}

func (f *fakeIngestor) Run(_ context.Context, opts ingest.Options) (*ingest.Result, error) {
	f.opts = opts
	return f.res, f.err
}

type fakeRefresher struct {
	summary  *aggregates.Summary
	err      error
	asyncErr error
	activity []aggregates.Activity
	running  *aggregates.Ticket
}

func (f *fakeRefresher) Refresh(context.Context) (*aggregates.Summary, error) {
	return f.summary, f.err
}

func (f *fakeRefresher) RefreshAsync(context.Context) (aggregates.Ticket, error) {
	return aggregates.Ticket{ID: "ticket-1", Views: []string{"top_runs_global"}}, f.asyncErr
}

func (f *fakeRefresher) Status(context.Context) ([]aggregates.Activity, error) {
	return f.activity, f.err
}

func (f *fakeRefresher) Running() *aggregates.Ticket {
	return f.running
}

func (f *fakeRefresher) Last() (*aggregates.Summary, error) {
	return f.summary, nil
}

type fakeDB struct{ healthy bool }

func (f fakeDB) IsHealthy() bool { return f.healthy }

type fixture struct {
	router    *Router
	ingestor  *fakeIngestor
	refresher *fakeRefresher
	leases    *lease.Coordinator
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testhelpers.NewTestConfig()
	cfg.Monitoring.PrometheusEnabled = true
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		ingestor:  &fakeIngestor{res: &ingest.Result{Status: ingest.StatusSuccess, Owner: "A"}},
		refresher: &fakeRefresher{summary: &aggregates.Summary{}},
		leases: lease.NewCoordinator(
			lease.NewMemoryStore(clockwork.NewFakeClock()), cfg.Lease, nil, testhelpers.NewTestLogger(),
		),
	}
	f.router = New(Deps{
		Ingestor:  f.ingestor,
		Leases:    f.leases,
		Refresher: f.refresher,
		DB:        fakeDB{healthy: true},
	}, cfg, testhelpers.NewTestLogger())
	return f
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := testhelpers.DecodeJSON[Health](t, w)
	assert.Equal(t, "healthy", body.Status)
	assert.False(t, body.RefreshRunning)
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := newFixture(t, nil)
	f.router.deps.DB = fakeDB{healthy: false}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not connected", testhelpers.DecodeJSON[Health](t, w).Database)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	w := f.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(t, func(c *config.Config) { c.Monitoring.PrometheusEnabled = false })
	w = f.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusNotFound, "not found")
}

func TestIngest(t *testing.T) {
	f := newFixture(t, nil)

	req := testhelpers.NewTestRequest(http.MethodPost, "/ingest", map[string]any{
		"regions":        []string{"eu"},
		"season_id":      14,
		"dungeon_ids":    []int{503},
		"ttl_seconds":    600,
		"budget_seconds": 120,
		"async_refresh":  true,
	})
	w := f.serve(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ingest.StatusSuccess, testhelpers.DecodeJSON[ingest.Result](t, w).Status)
	assert.Equal(t, []string{"eu"}, f.ingestor.opts.Regions)
	assert.Equal(t, 14, f.ingestor.opts.SeasonID)
	assert.Equal(t, 10*time.Minute, f.ingestor.opts.TTL)
	assert.Equal(t, 2*time.Minute, f.ingestor.opts.Budget)
	assert.True(t, f.ingestor.opts.AsyncRefresh)
}

func TestIngest_EmptyBodyUsesDefaults(t *testing.T) {
	f := newFixture(t, nil)

	w := f.serve(httptest.NewRequest(http.MethodPost, "/ingest", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.ingestor.opts.SeasonID)
}

func TestIngest_StatusCodes(t *testing.T) {
	f := newFixture(t, nil)

	f.ingestor.res = &ingest.Result{Status: ingest.StatusSkipped, Holder: &lease.Record{Owner: "other"}}
	w := f.serve(httptest.NewRequest(http.MethodPost, "/ingest", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "other", testhelpers.DecodeJSON[ingest.Result](t, w).Holder.Owner)

	f.ingestor.res = &ingest.Result{Status: ingest.StatusError, Error: "remote: deadline exceeded"}
	f.ingestor.err = errors.New("remote: deadline exceeded")
	w = f.serve(httptest.NewRequest(http.MethodPost, "/ingest", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "remote: deadline exceeded", testhelpers.DecodeJSON[ingest.Result](t, w).Error)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body any
		msg  string
	}{
		{"bad region", map[string]any{"regions": []string{"mars"}}, "regions[0]: failed oneof"},
		{"negative ttl", map[string]any{"ttl_seconds": -1}, "ttl_seconds: failed gte=0"},
		{"bad dungeon", map[string]any{"dungeon_ids": []int{0}}, "dungeon_ids[0]: failed gt=0"},
		{"unknown field", map[string]any{"seasons": 1}, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.serve(testhelpers.NewTestRequest(http.MethodPost, "/ingest", tt.body))
			testhelpers.AssertJSONErrorResponse(t, w, http.StatusBadRequest, tt.msg)
		})
	}
}

func TestControlToken(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.ControlToken = "s3cret-token" })

	w := f.serve(httptest.NewRequest(http.MethodPost, "/ingest", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusUnauthorized, "missing authorization token")

	w = f.serve(testhelpers.NewTestRequestWithHeaders(http.MethodPost, "/ingest", nil,
		map[string]string{"Authorization": "Bearer wrong"}))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusUnauthorized, "invalid authorization token")

	w = f.serve(testhelpers.NewTestRequestWithHeaders(http.MethodPost, "/ingest", nil,
		map[string]string{"Authorization": "Bearer s3cret-token"}))
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays open
	w = f.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLeaseAcquireRelease(t *testing.T) {
	f := newFixture(t, nil)

	w := f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/acquire", map[string]any{
		"lock_name": "daily", "owner": "A", "ttl_seconds": 60,
	}))
	require.Equal(t, http.StatusOK, w.Code)
	out := testhelpers.DecodeJSON[lease.Outcome](t, w)
	assert.Equal(t, lease.StatusAcquired, out.Status)
	require.NotNil(t, out.Handle)
	assert.Equal(t, "A", out.Handle.Owner)

	w = f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/acquire", map[string]any{
		"lock_name": "daily", "owner": "B",
	}))
	require.Equal(t, http.StatusConflict, w.Code)
	out = testhelpers.DecodeJSON[lease.Outcome](t, w)
	assert.Equal(t, lease.StatusLocked, out.Status)
	assert.Equal(t, "A", out.Holder.Owner)

	w = f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/release", map[string]any{
		"lock_name": "daily", "owner": "A",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/acquire", map[string]any{
		"lock_name": "daily", "owner": "B",
	}))
	assert.Equal(t, http.StatusOK, w.Code)
}

// unreachableLeases fails every release once retries are spent
type unreachableLeases struct {
	*lease.Coordinator
}

func (unreachableLeases) Release(context.Context, string, string) error {
	return errors.New("lease: release after 3 attempts: connection refused")
}

func TestLeaseRelease_AcksWhenStoreUnreachable(t *testing.T) {
	logger, buf := testhelpers.NewCapturingLogger()
	f := newFixture(t, nil)
	f.router.deps.Leases = unreachableLeases{f.leases}
	f.router.logger = logger

	w := f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/release", map[string]any{
		"lock_name": "daily", "owner": "A",
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "released", testhelpers.DecodeJSON[map[string]string](t, w)["status"])
	assert.Contains(t, buf.String(), "Lease release failed")
	assert.Contains(t, buf.String(), "connection refused")
}

func TestLeaseAcquire_OwnerRequired(t *testing.T) {
	f := newFixture(t, nil)

	w := f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/acquire", map[string]any{"lock_name": "daily"}))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusBadRequest, "owner: failed required")

	w = f.serve(testhelpers.NewTestRequest(http.MethodPost, "/lease/release", map[string]any{}))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusBadRequest, "owner: failed required")
}

func TestRefresh_Sync(t *testing.T) {
	f := newFixture(t, nil)
	f.refresher.summary = &aggregates.Summary{Views: []aggregates.ViewResult{{View: "top_runs_global"}}}

	w := f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := testhelpers.DecodeJSON[refreshResponse](t, w)
	require.NotNil(t, body.Summary)
	assert.Len(t, body.Summary.Views, 1)

	f.refresher.err = errors.New("aggregates: refresh: boom")
	w = f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh?async=false", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, testhelpers.DecodeJSON[refreshResponse](t, w).Error, "boom")
}

func TestRefresh_Async(t *testing.T) {
	f := newFixture(t, nil)

	w := f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh?async=true", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "ticket-1", testhelpers.DecodeJSON[aggregates.Ticket](t, w).ID)

	f.refresher.asyncErr = aggregates.ErrRefreshInProgress
	w = f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh?async=1", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	f.refresher.asyncErr = aggregates.ErrShuttingDown
	w = f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh?async=true", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusServiceUnavailable, "shutting down")

	w = f.serve(httptest.NewRequest(http.MethodPost, "/aggregates/refresh?async=maybe", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusBadRequest, "invalid async value")
}

func TestRefreshStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.refresher.running = &aggregates.Ticket{ID: "ticket-1"}
	f.refresher.activity = []aggregates.Activity{{PID: 42, State: "active", Query: "REFRESH MATERIALIZED VIEW x"}}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/aggregates/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := testhelpers.DecodeJSON[refreshStatusResponse](t, w)
	require.NotNil(t, body.Running)
	assert.Equal(t, "ticket-1", body.Running.ID)
	require.Len(t, body.Activity, 1)
	assert.Equal(t, 42, body.Activity[0].PID)

	f.refresher.err = errors.New("connection refused")
	w = f.serve(httptest.NewRequest(http.MethodGet, "/aggregates/status", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusServiceUnavailable, "connection refused")
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, nil)
	w := f.serve(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	testhelpers.AssertJSONErrorResponse(t, w, http.StatusNotFound, "not found")
}
