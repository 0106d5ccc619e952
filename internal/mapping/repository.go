package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/framara/what-the-meta-backend/internal/utils"
	"github.com/uptrace/bun"
)

// UpsertResult counts what one versioned upsert did
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// Repository persists the season -> dungeon mapping and rating cutoffs
type Repository struct {
	db  *bun.DB
	now func() time.Time
}

func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db, now: utils.NowUTC}
}

// Get returns the mapping row of one dungeon, or nil when none is stored
func (r *Repository) Get(ctx context.Context, seasonID, dungeonID int) (*SeasonDungeon, error) {
	var row SeasonDungeon
	err := r.db.NewSelect().
		Model(&row).
		Where("season_id = ?", seasonID).
		Where("dungeon_id = ?", dungeonID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: get season %d dungeon %d: %w", seasonID, dungeonID, err)
	}
	return &row, nil
}

// Season lists the mapped dungeons of a season ordered by dungeon id
func (r *Repository) Season(ctx context.Context, seasonID int) ([]SeasonDungeon, error) {
	var rows []SeasonDungeon
	err := r.db.NewSelect().
		Model(&rows).
		Where("season_id = ?", seasonID).
		Order("dungeon_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapping: list season %d: %w", seasonID, err)
	}
	return rows, nil
}

// Upsert applies timers in one transaction. New rows start at version 1;
// existing rows are rewritten with version+1 only when a value changed.
func (r *Repository) Upsert(ctx context.Context, timers []domain.DungeonTimers) (UpsertResult, error) {
	var res UpsertResult
	if len(timers) == 0 {
		return res, nil
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res = UpsertResult{}
		now := r.now()

		for _, t := range timers {
			var existing SeasonDungeon
			err := tx.NewSelect().
				Model(&existing).
				Where("season_id = ?", t.SeasonID).
				Where("dungeon_id = ?", t.DungeonID).
				For("UPDATE").
				Scan(ctx)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				row := newRow(t, now)
				if _, err := tx.NewInsert().
					Model(&row).
					On("CONFLICT (season_id, dungeon_id) DO NOTHING").
					Exec(ctx); err != nil {
					return fmt.Errorf("insert season %d dungeon %d: %w", t.SeasonID, t.DungeonID, err)
				}
				res.Inserted++
			case err != nil:
				return fmt.Errorf("lock season %d dungeon %d: %w", t.SeasonID, t.DungeonID, err)
			case !existing.differs(t):
				res.Unchanged++
			default:
				row := newRow(t, now)
				row.Version = existing.Version + 1
				if _, err := tx.NewUpdate().
					Model(&row).
					Column("name", "tier1_ms", "tier2_ms", "tier3_ms", "version", "updated_at").
					WherePK().
					Exec(ctx); err != nil {
					return fmt.Errorf("update season %d dungeon %d: %w", t.SeasonID, t.DungeonID, err)
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("mapping: upsert: %w", err)
	}
	return res, nil
}

func newRow(t domain.DungeonTimers, now time.Time) SeasonDungeon {
	return SeasonDungeon{
		SeasonID:  t.SeasonID,
		DungeonID: t.DungeonID,
		Name:      t.Name,
		Tier1Ms:   t.Tier1Ms,
		Tier2Ms:   t.Tier2Ms,
		Tier3Ms:   t.Tier3Ms,
		Version:   1,
		UpdatedAt: now,
	}
}

// SaveCutoff stores the latest cutoff for its region and season
func (r *Repository) SaveCutoff(ctx context.Context, c RatingCutoff) error {
	_, err := r.db.NewInsert().
		Model(&c).
		On("CONFLICT (region, season_id) DO UPDATE").
		Set("cutoff = EXCLUDED.cutoff").
		Set("schema = EXCLUDED.schema").
		Set("fetched_at = EXCLUDED.fetched_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mapping: save cutoff %s season %d: %w", c.Region, c.SeasonID, err)
	}
	return nil
}

// Cutoff returns the stored cutoff, or nil when none is stored
func (r *Repository) Cutoff(ctx context.Context, region string, seasonID int) (*RatingCutoff, error) {
	var row RatingCutoff
	err := r.db.NewSelect().
		Model(&row).
		Where("region = ?", region).
		Where("season_id = ?", seasonID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: get cutoff %s season %d: %w", region, seasonID, err)
	}
	return &row, nil
}
