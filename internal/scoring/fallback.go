// Package scoring turns raw upstream group records into normalized runs and
// computes a proxy score for runs the upstream did not rate.
package scoring

import (
	"math"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

const (
	baseScore      = 60.0
	perLevelScore  = 7.5
	tierBonusStep  = 7.5
	fullTierBonus  = 2 * tierBonusStep
	minScore       = 0.01
	scorePrecision = 1e5
)

// FallbackScore computes the proxy score for a run of the given keystone level
// and duration against the dungeon's upgrade thresholds.
// It returns nil only when the tier1 threshold is unknown; a non-positive
// duration is within every threshold.
//
// Thresholds are maximum qualifying durations (tier1 >= tier2 >= tier3).
// Within tier1 the score is base plus a bonus of up to 15 interpolated across the
// tier bands; past tier1 the base is scaled down by tier1/duration.
func FallbackScore(level int, durationMs int64, timers domain.DungeonTimers) *float64 {
	if timers.Tier1Ms <= 0 {
		return nil
	}

	base := baseScore + float64(level)*perLevelScore
	d := float64(durationMs)
	t1 := float64(timers.Tier1Ms)

	var score float64
	if d > t1 {
		score = base * (t1 / d)
	} else {
		score = base + inTimeBonus(d, t1, float64(timers.Tier2Ms), float64(timers.Tier3Ms))
	}

	score = math.Max(score, minScore)
	score = math.Round(score*scorePrecision) / scorePrecision
	return &score
}

// inTimeBonus returns the bonus for a duration already within tier1
func inTimeBonus(d, t1, t2, t3 float64) float64 {
	// No usable tier2 band: every in-time run gets the bare base
	if t2 <= 0 || t2 >= t1 {
		return 0
	}

	if d > t2 {
		return ((t1 - d) / (t1 - t2)) * tierBonusStep
	}

	// No usable tier3 band: stay continuous with the tier2 boundary
	if t3 <= 0 || t3 >= t2 {
		return tierBonusStep
	}

	if d <= t3 {
		return fullTierBonus
	}
	return tierBonusStep + ((t2-d)/(t2-t3))*tierBonusStep
}
