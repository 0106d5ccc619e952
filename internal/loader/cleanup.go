package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
)

// runGroup maps run_group for retention deletes
type runGroup struct {
	bun.BaseModel `bun:"table:run_group,alias:rg"`

	ID       int64 `bun:"id,pk,autoincrement"`
	SeasonID int   `bun:"season_id"`
}

// Cleanup deletes every run of a season; members go with them through the
// cascading foreign key. Returns the number of runs removed.
func Cleanup(ctx context.Context, db bun.IDB, seasonID int, logger *slog.Logger) (int64, error) {
	if seasonID <= 0 {
		return 0, fmt.Errorf("loader: cleanup needs a season id, got %d", seasonID)
	}

	res, err := db.NewDelete().
		Model((*runGroup)(nil)).
		Where("season_id = ?", seasonID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("loader: cleanup season %d: %w", seasonID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("loader: cleanup season %d: %w", seasonID, err)
	}

	logger.Info("Season runs removed", "season_id", seasonID, "runs", n)
	return n, nil
}
