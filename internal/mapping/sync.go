package mapping

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/remote"
)

// TimerSource fetches the keystone timers of one dungeon from upstream
type TimerSource interface {
	DungeonTimers(ctx context.Context, region string, seasonID, dungeonID int) (domain.DungeonTimers, error)
}

// TimerStore persists a batch of timers transactionally
type TimerStore interface {
	Upsert(ctx context.Context, timers []domain.DungeonTimers) (UpsertResult, error)
}

// SyncDungeons fetches the timers of every dungeon of a season and applies
// them in one versioned upsert. Dungeons the upstream does not know are skipped.
// The cache, when given, is invalidated for every synced dungeon.
func SyncDungeons(
	ctx context.Context,
	src TimerSource,
	store TimerStore,
	cache *Cache,
	region string,
	seasonID int,
	dungeonIDs []int,
	logger *slog.Logger,
) (UpsertResult, error) {
	timers := make([]domain.DungeonTimers, 0, len(dungeonIDs))
	for _, id := range dungeonIDs {
		t, err := src.DungeonTimers(ctx, region, seasonID, id)
		if remote.IsNotFound(err) {
			logger.Warn("Dungeon not found upstream, skipping",
				"season_id", seasonID,
				"dungeon_id", id,
			)
			continue
		}
		if err != nil {
			return UpsertResult{}, fmt.Errorf("mapping: fetch timers for dungeon %d: %w", id, err)
		}
		t.SeasonID = seasonID
		t.DungeonID = id
		timers = append(timers, t)
	}

	res, err := store.Upsert(ctx, timers)
	if err != nil {
		return UpsertResult{}, err
	}

	if cache != nil {
		for _, t := range timers {
			cache.Invalidate(t.SeasonID, t.DungeonID)
		}
	}

	logger.Info("Dungeon mapping synced",
		"season_id", seasonID,
		"dungeons", len(timers),
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
	)
	return res, nil
}
