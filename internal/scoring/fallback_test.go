package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

var stdTimers = domain.DungeonTimers{
	Tier1Ms: 1_800_000,
	Tier2Ms: 1_440_000,
	Tier3Ms: 1_080_000,
}

func TestFallbackScore(t *testing.T) {
	tests := []struct {
		name     string
		level    int
		duration int64
		timers   domain.DungeonTimers
		want     float64
	}{
		{"three chest", 20, 1_000_000, stdTimers, 225},
		{"exactly tier3", 20, 1_080_000, stdTimers, 225},
		{"between tier3 and tier2", 20, 1_260_000, stdTimers, 221.25},
		{"exactly tier2", 20, 1_440_000, stdTimers, 217.5},
		{"between tier2 and tier1", 20, 1_500_000, stdTimers, 216.25},
		{"exactly tier1", 20, 1_800_000, stdTimers, 210},
		{"overrun", 20, 2_000_000, stdTimers, 189},
		{"rounded to five decimals", 2, 1_900_000, stdTimers, 71.05263},
		{"no tier3 within tier2", 10, 1_000_000, domain.DungeonTimers{Tier1Ms: 1_800_000, Tier2Ms: 1_440_000}, 142.5},
		{"no tier2 within tier1", 10, 1_000_000, domain.DungeonTimers{Tier1Ms: 1_800_000}, 135},
		{"tier2 not below tier1", 10, 1_000_000, domain.DungeonTimers{Tier1Ms: 1_800_000, Tier2Ms: 1_800_000}, 135},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FallbackScore(tt.level, tt.duration, tt.timers)
			require.NotNil(t, got)
			assert.InDelta(t, tt.want, *got, 1e-9)
		})
	}
}

func TestFallbackScore_ScenarioC(t *testing.T) {
	got := FallbackScore(20, 1_500_000, stdTimers)
	require.NotNil(t, got)
	assert.Greater(t, *got, 210.0)
	assert.Less(t, *got, 217.5)
}

func TestFallbackScore_MissingTier1(t *testing.T) {
	assert.Nil(t, FallbackScore(20, 1_500_000, domain.DungeonTimers{Tier2Ms: 1_440_000, Tier3Ms: 1_080_000}))
}

func TestFallbackScore_ZeroDurationIsScored(t *testing.T) {
	for _, d := range []int64{0, -1} {
		got := FallbackScore(20, d, stdTimers)
		require.NotNil(t, got, "duration %d", d)
		assert.Equal(t, 225.0, *got)
	}
}

func TestFallbackScore_ClampedToMinimum(t *testing.T) {
	got := FallbackScore(0, 1<<62, domain.DungeonTimers{Tier1Ms: 1})
	require.NotNil(t, got)
	assert.Equal(t, 0.01, *got)
}

func TestFallbackScore_Monotonic(t *testing.T) {
	timerSets := []domain.DungeonTimers{
		stdTimers,
		{Tier1Ms: 1_800_000, Tier2Ms: 1_440_000},
		{Tier1Ms: 1_800_000},
		{Tier1Ms: 1_800_000, Tier2Ms: 1_440_000, Tier3Ms: 1_500_000},
	}

	for _, timers := range timerSets {
		for _, level := range []int{2, 12, 20, 30} {
			prev := FallbackScore(level, 100_000, timers)
			require.NotNil(t, prev)
			for d := int64(110_000); d <= 4_000_000; d += 10_000 {
				cur := FallbackScore(level, d, timers)
				require.NotNil(t, cur)
				assert.LessOrEqualf(t, *cur, *prev, "level %d duration %d timers %+v", level, d, timers)
				prev = cur
			}
		}
	}
}
