package mapping

import (
	"time"

	"github.com/framara/what-the-meta-backend/internal/domain"
	"github.com/uptrace/bun"
)

// SeasonDungeon is one versioned row of the season -> dungeon mapping.
// Version starts at 1 and is bumped only when a value actually changes.
type SeasonDungeon struct {
	bun.BaseModel `bun:"table:season_dungeon,alias:sd"`

	SeasonID  int       `bun:"season_id,pk"`
	DungeonID int       `bun:"dungeon_id,pk"`
	Name      string    `bun:"name,notnull"`
	Tier1Ms   int64     `bun:"tier1_ms,notnull"`
	Tier2Ms   int64     `bun:"tier2_ms,notnull"`
	Tier3Ms   int64     `bun:"tier3_ms,notnull"`
	Version   int       `bun:"version,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (s *SeasonDungeon) Timers() domain.DungeonTimers {
	return domain.DungeonTimers{
		SeasonID:  s.SeasonID,
		DungeonID: s.DungeonID,
		Name:      s.Name,
		Tier1Ms:   s.Tier1Ms,
		Tier2Ms:   s.Tier2Ms,
		Tier3Ms:   s.Tier3Ms,
	}
}

// differs reports whether applying t would change the stored values
func (s *SeasonDungeon) differs(t domain.DungeonTimers) bool {
	return s.Name != t.Name ||
		s.Tier1Ms != t.Tier1Ms ||
		s.Tier2Ms != t.Tier2Ms ||
		s.Tier3Ms != t.Tier3Ms
}

// RatingCutoff is the latest top-rating threshold per region and season
type RatingCutoff struct {
	bun.BaseModel `bun:"table:season_rating_cutoff,alias:rc"`

	Region    string    `bun:"region,pk"`
	SeasonID  int       `bun:"season_id,pk"`
	Cutoff    float64   `bun:"cutoff,notnull"`
	Schema    string    `bun:"schema,notnull"`
	FetchedAt time.Time `bun:"fetched_at,notnull"`
}

// Models lists the bun models whose tables the schema migration creates
func Models() []any {
	return []any{
		(*SeasonDungeon)(nil),
		(*RatingCutoff)(nil),
	}
}
