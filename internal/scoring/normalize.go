package scoring

import (
	"strings"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

// Context carries the shard coordinates and dungeon thresholds a group is normalized against
type Context struct {
	Key    domain.ShardKey
	Timers *domain.DungeonTimers
}

// Normalize converts one raw group into a Run with its Members.
// An official rating greater than zero is used verbatim; otherwise the fallback
// score is computed from Context.Timers (nil when no timers are known).
// Members without a character name are dropped.
func Normalize(g domain.Group, c Context) domain.Run {
	run := domain.Run{
		Region:        c.Key.Region,
		SeasonID:      c.Key.SeasonID,
		PeriodID:      c.Key.PeriodID,
		DungeonID:     c.Key.DungeonID,
		RealmID:       c.Key.RealmID,
		CompletedAt:   g.CompletedAt.UTC(),
		DurationMs:    g.DurationMs,
		KeystoneLevel: g.KeystoneLevel,
		Rank:          g.Rank,
		Score:         score(g, c.Timers),
	}

	run.Members = make([]domain.Member, 0, len(g.Members))
	for _, m := range g.Members {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		run.Members = append(run.Members, domain.Member{
			CharacterName: name,
			ClassID:       m.ClassID,
			SpecID:        m.SpecID,
			Role:          m.Role,
		})
	}

	return run
}

// NormalizeAll normalizes every group of one shard
func NormalizeAll(groups []domain.Group, c Context) []domain.Run {
	runs := make([]domain.Run, 0, len(groups))
	for _, g := range groups {
		runs = append(runs, Normalize(g, c))
	}
	return runs
}

func score(g domain.Group, timers *domain.DungeonTimers) *float64 {
	if g.Rating != nil && *g.Rating > 0 {
		v := *g.Rating
		return &v
	}
	if timers == nil {
		return nil
	}
	return FallbackScore(g.KeystoneLevel, g.DurationMs, *timers)
}
