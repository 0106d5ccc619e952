package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func testGroup() domain.Group {
	return domain.Group{
		Rank:          3,
		CompletedAt:   time.Date(2025, 3, 4, 14, 30, 0, 0, time.FixedZone("CET", 3600)),
		DurationMs:    1_500_000,
		KeystoneLevel: 20,
		Members: []domain.GroupMember{
			{Name: "Tankadin", ClassID: 2, SpecID: 66, Role: domain.RoleTank},
			{Name: " Healz ", ClassID: 7, SpecID: 264, Role: domain.RoleHealer},
			{Name: "", ClassID: 8, SpecID: 63, Role: domain.RoleDPS},
		},
	}
}

func TestNormalize(t *testing.T) {
	key := domain.ShardKey{Region: "eu", SeasonID: 13, PeriodID: 977, DungeonID: 503, RealmID: 1305}
	run := Normalize(testGroup(), Context{Key: key, Timers: &stdTimers})

	assert.Equal(t, "eu", run.Region)
	assert.Equal(t, 13, run.SeasonID)
	assert.Equal(t, 977, run.PeriodID)
	assert.Equal(t, 503, run.DungeonID)
	assert.Equal(t, 1305, run.RealmID)
	assert.Equal(t, 3, run.Rank)
	assert.Equal(t, time.UTC, run.CompletedAt.Location())
	assert.Equal(t, time.Date(2025, 3, 4, 13, 30, 0, 0, time.UTC), run.CompletedAt)

	require.NotNil(t, run.Score)
	assert.InDelta(t, 216.25, *run.Score, 1e-9)

	require.Len(t, run.Members, 2)
	assert.Equal(t, "Tankadin", run.Members[0].CharacterName)
	assert.Equal(t, "Healz", run.Members[1].CharacterName)
	assert.Equal(t, domain.RoleHealer, run.Members[1].Role)
}

func TestNormalize_OfficialRating(t *testing.T) {
	g := testGroup()
	g.Rating = ptr(431.7)

	run := Normalize(g, Context{Timers: &stdTimers})
	require.NotNil(t, run.Score)
	assert.Equal(t, 431.7, *run.Score)

	g.Rating = ptr(0)
	run = Normalize(g, Context{Timers: &stdTimers})
	require.NotNil(t, run.Score)
	assert.InDelta(t, 216.25, *run.Score, 1e-9, "zero rating falls back to the computed score")
}

func TestNormalize_NoTimers(t *testing.T) {
	run := Normalize(testGroup(), Context{})
	assert.Nil(t, run.Score)
}

func TestNormalizeAll(t *testing.T) {
	runs := NormalizeAll([]domain.Group{testGroup(), testGroup()}, Context{})
	assert.Len(t, runs, 2)
	assert.Empty(t, NormalizeAll(nil, Context{}))
}
