// Package schema creates the ingestion tables and aggregate views.
// Every statement is idempotent; Migrate can run on every deploy.
package schema

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/framara/what-the-meta-backend/internal/mapping"
	"github.com/uptrace/bun"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS run_group (
		id             BIGSERIAL PRIMARY KEY,
		region         TEXT NOT NULL,
		season_id      INT NOT NULL,
		period_id      INT NOT NULL,
		dungeon_id     INT NOT NULL,
		realm_id       INT NOT NULL,
		completed_at   TIMESTAMPTZ NOT NULL,
		duration_ms    BIGINT NOT NULL,
		keystone_level INT NOT NULL,
		score          DOUBLE PRECISION,
		rank           INT NOT NULL DEFAULT 0,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT run_group_natural_key UNIQUE (
			dungeon_id, period_id, season_id, region, completed_at, duration_ms, keystone_level
		)
	)`,
	`CREATE TABLE IF NOT EXISTS run_group_member (
		group_id       BIGINT NOT NULL REFERENCES run_group(id) ON DELETE CASCADE,
		character_name TEXT NOT NULL,
		class_id       INT NOT NULL,
		spec_id        INT NOT NULL,
		role           TEXT NOT NULL,
		PRIMARY KEY (group_id, character_name)
	)`,
	`CREATE TABLE IF NOT EXISTS job_lease (
		lock_name   TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	)`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_run_group_season ON run_group(season_id);",
	"CREATE INDEX IF NOT EXISTS idx_run_group_season_period_dungeon ON run_group(season_id, period_id, dungeon_id);",
	"CREATE INDEX IF NOT EXISTS idx_run_group_member_spec ON run_group_member(spec_id);",
}

// TopN bounds every ranking view
const TopN = 1000

// View is one aggregate materialized view with the unique index that
// REFRESH ... CONCURRENTLY requires
type View struct {
	Name        string
	Query       string
	UniqueIndex string
}

// Views returns the aggregate views in refresh order
func Views() []View {
	return []View{
		{
			Name: "top_runs_global",
			Query: fmt.Sprintf(`
				SELECT * FROM (
					SELECT id, season_id, region, period_id, dungeon_id, keystone_level,
						score, duration_ms, completed_at,
						row_number() OVER (PARTITION BY season_id ORDER BY score DESC NULLS LAST, duration_ms, id) AS position
					FROM run_group
				) ranked WHERE position <= %d`, TopN),
			UniqueIndex: "(id)",
		},
		{
			Name: "top_runs_per_period",
			Query: fmt.Sprintf(`
				SELECT * FROM (
					SELECT id, season_id, region, period_id, dungeon_id, keystone_level,
						score, duration_ms, completed_at,
						row_number() OVER (PARTITION BY season_id, period_id ORDER BY score DESC NULLS LAST, duration_ms, id) AS position
					FROM run_group
				) ranked WHERE position <= %d`, TopN),
			UniqueIndex: "(id)",
		},
		{
			Name: "top_runs_per_dungeon",
			Query: fmt.Sprintf(`
				SELECT * FROM (
					SELECT id, season_id, region, period_id, dungeon_id, keystone_level,
						score, duration_ms, completed_at,
						row_number() OVER (PARTITION BY season_id, period_id, dungeon_id ORDER BY score DESC NULLS LAST, duration_ms, id) AS position
					FROM run_group
				) ranked WHERE position <= %d`, TopN),
			UniqueIndex: "(id)",
		},
		{
			Name: "top_groups_per_composition",
			Query: `
				SELECT season_id, composition,
					count(*) AS runs,
					avg(score) AS avg_score,
					max(keystone_level) AS max_level
				FROM (
					SELECT g.id, g.season_id, g.score, g.keystone_level,
						string_agg(m.spec_id::text, '-' ORDER BY m.spec_id) AS composition
					FROM run_group g
					JOIN run_group_member m ON m.group_id = g.id
					GROUP BY g.id, g.season_id, g.score, g.keystone_level
				) c
				GROUP BY season_id, composition`,
			UniqueIndex: "(season_id, composition)",
		},
	}
}

// ViewNames returns the names of Views
func ViewNames() []string {
	views := Views()
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.Name
	}
	return names
}

// Migrate creates tables, bun model tables, indexes and views
func Migrate(ctx context.Context, db *bun.DB, logger *slog.Logger) error {
	for _, ddl := range tables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("schema: failed to create table: %w", err)
		}
	}

	for _, model := range mapping.Models() {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("schema: failed to create table: %w", err)
		}
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("schema: failed to create index: %w", err)
		}
	}

	for _, v := range Views() {
		create := fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS %s", v.Name, v.Query)
		if _, err := db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("schema: failed to create view %s: %w", v.Name, err)
		}
		unique := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS uq_%s ON %s %s", v.Name, v.Name, v.UniqueIndex)
		if _, err := db.ExecContext(ctx, unique); err != nil {
			return fmt.Errorf("schema: failed to create unique index on %s: %w", v.Name, err)
		}
	}

	logger.Info("Schema migrated",
		"tables", len(tables)+len(mapping.Models()),
		"views", len(Views()),
	)
	return nil
}
