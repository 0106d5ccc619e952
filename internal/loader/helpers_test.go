package loader

import (
	"time"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

const testSeason = 9002

func score(v float64) *float64 { return &v }

func testRun(minute int, level int, members ...domain.Member) domain.Run {
	return domain.Run{
		Region:        "eu",
		SeasonID:      testSeason,
		PeriodID:      977,
		DungeonID:     503,
		RealmID:       1305,
		CompletedAt:   time.Date(2025, 3, 4, 12, minute, 0, 0, time.UTC),
		DurationMs:    1_500_000,
		KeystoneLevel: level,
		Score:         score(400),
		Rank:          minute + 1,
		Members:       members,
	}
}

func member(name string, spec int) domain.Member {
	return domain.Member{CharacterName: name, ClassID: 2, SpecID: spec, Role: domain.RoleDPS}
}

func testShard(realm int, runs ...domain.Run) *domain.Shard {
	return &domain.Shard{
		Key:  domain.ShardKey{Region: "eu", SeasonID: testSeason, PeriodID: 977, DungeonID: 503, RealmID: realm},
		Runs: runs,
	}
}
