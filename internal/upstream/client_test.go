package upstream

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/remote"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
)

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()

	transport := httpmock.NewMockTransport()
	cfg := testhelpers.NewTestConfig()
	cfg.Upstream = config.UpstreamConfig{
		BaseURL:   "https://{region}.api.example.com",
		Locale:    "en_US",
		Regions:   []string{"eu", "us"},
		Realms:    map[string][]int{"eu": {1305}},
		CutoffURL: "https://cutoffs.example.com/{region}/season-{season}",
	}

	policy := remote.Policy{
		MaxAttempts:    3,
		CallTimeout:    time.Second,
		InitialBackoff: time.Millisecond,
		WarmupBackoff:  time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	caller := remote.NewCaller(policy, nil, nil, testhelpers.NewTestLogger())

	client := NewClient(cfg.Upstream, &http.Client{Transport: transport}, caller, nil, testhelpers.NewTestLogger())
	return client, transport
}

func TestSeasonPeriods(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder("GET", `=~eu\.api\.example\.com/data/wow/mythic-keystone/season/13`,
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"id":      13,
			"periods": []map[string]any{{"id": 977}, {"id": 978}, {"id": 979}},
		}))

	periods, err := client.SeasonPeriods(context.Background(), "eu", 13)

	require.NoError(t, err)
	assert.Equal(t, []int{977, 978, 979}, periods)
}

func TestCurrentSeason(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder("GET", `=~/season/index`,
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"current_season": map[string]any{"id": 14}}))

	season, err := client.CurrentSeason(context.Background(), "us")

	require.NoError(t, err)
	assert.Equal(t, 14, season)
}

func TestDungeonTimers(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder("GET", `=~/data/wow/mythic-keystone/dungeon/503`,
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"id":   503,
			"name": "Ara-Kara, City of Echoes",
			"keystone_upgrades": []map[string]any{
				{"upgrade_level": 1, "qualifying_duration": 1_800_000},
				{"upgrade_level": 2, "qualifying_duration": 1_440_000},
				{"upgrade_level": 3, "qualifying_duration": 1_080_000},
			},
		}))

	timers, err := client.DungeonTimers(context.Background(), "eu", 13, 503)

	require.NoError(t, err)
	assert.Equal(t, domain.DungeonTimers{
		SeasonID:  13,
		DungeonID: 503,
		Name:      "Ara-Kara, City of Echoes",
		Tier1Ms:   1_800_000,
		Tier2Ms:   1_440_000,
		Tier3Ms:   1_080_000,
	}, timers)
}

func TestLeaderboard(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder("GET", `=~/data/wow/connected-realm/1305/mythic-leaderboard/503/period/977`,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "dynamic-eu", req.URL.Query().Get("namespace"))
			assert.Equal(t, "en_US", req.URL.Query().Get("locale"))
			return httpmock.NewJsonResponse(200, map[string]any{
				"leading_groups": []map[string]any{
					{
						"ranking":             1,
						"duration":            1_500_000,
						"completed_timestamp": 1741095000000,
						"keystone_level":      20,
						"mythic_rating":       map[string]any{"rating": 431.7},
						"members": []map[string]any{
							{"profile": map[string]any{"name": "Tankadin", "realm": map[string]any{"id": 1305}}, "specialization": map[string]any{"id": 66}},
							{"profile": map[string]any{"name": "Healz", "realm": map[string]any{"id": 1306}}, "specialization": map[string]any{"id": 264}},
						},
					},
					{
						"ranking":             2,
						"duration":            1_600_000,
						"completed_timestamp": 1741096000000,
						"keystone_level":      19,
						"members":             []map[string]any{},
					},
				},
			})
		})

	groups, err := client.Leaderboard(context.Background(), domain.ShardKey{Region: "eu", SeasonID: 13, PeriodID: 977, DungeonID: 503, RealmID: 1305})

	require.NoError(t, err)
	require.Len(t, groups, 2)

	g := groups[0]
	assert.Equal(t, 1, g.Rank)
	assert.Equal(t, int64(1_500_000), g.DurationMs)
	assert.Equal(t, time.UnixMilli(1741095000000).UTC(), g.CompletedAt)
	require.NotNil(t, g.Rating)
	assert.Equal(t, 431.7, *g.Rating)
	require.Len(t, g.Members, 2)
	assert.Equal(t, domain.GroupMember{Name: "Tankadin", RealmID: 1305, ClassID: 2, SpecID: 66, Role: domain.RoleTank}, g.Members[0])
	assert.Equal(t, domain.RoleHealer, g.Members[1].Role)
	assert.Equal(t, 7, g.Members[1].ClassID)

	assert.Nil(t, groups[1].Rating)
}

func TestLeaderboard_NotFound(t *testing.T) {
	client, transport := newTestClient(t)
	transport.RegisterResponder("GET", `=~/mythic-leaderboard/`,
		httpmock.NewStringResponder(404, `{"code":404,"type":"BLZWEBAPI00000404","detail":"Not Found"}`))

	_, err := client.Leaderboard(context.Background(), domain.ShardKey{Region: "eu", SeasonID: 13, PeriodID: 977, DungeonID: 503, RealmID: 1305})

	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.Equal(t, 1, transport.GetTotalCallCount(), "not found is never retried")
}

func TestLeaderboard_RetriesServerErrors(t *testing.T) {
	client, transport := newTestClient(t)
	calls := 0
	transport.RegisterResponder("GET", `=~/mythic-leaderboard/`,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(500, "upstream hiccup"), nil
			}
			return httpmock.NewJsonResponse(200, map[string]any{"leading_groups": []any{}})
		})

	groups, err := client.Leaderboard(context.Background(), domain.ShardKey{Region: "eu", SeasonID: 13, PeriodID: 977, DungeonID: 503, RealmID: 1305})

	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Equal(t, 3, calls)
}

func TestClientRegionsAndRealms(t *testing.T) {
	client, _ := newTestClient(t)

	assert.Equal(t, []string{"eu", "us"}, client.Regions())
	assert.Equal(t, []int{1305}, client.Realms("eu"))
	assert.Empty(t, client.Realms("us"))
}

func TestLookupSpec(t *testing.T) {
	info, ok := LookupSpec(1468)
	require.True(t, ok)
	assert.Equal(t, SpecInfo{ClassID: 13, Role: domain.RoleHealer}, info)

	_, ok = LookupSpec(9999)
	assert.False(t, ok)
}
