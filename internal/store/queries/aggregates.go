package queries

import (
	"github.com/jackc/pgx/v5"
)

const (
	// ActiveRefreshes lists in-flight REFRESH MATERIALIZED VIEW statements
	ActiveRefreshes = `
		SELECT pid, state, query_start, query
		FROM pg_stat_activity
		WHERE query ILIKE 'REFRESH MATERIALIZED VIEW%'
			AND pid <> pg_backend_pid()
		ORDER BY query_start
	`

	// ViewExists checks that a materialized view is present
	ViewExists = `SELECT EXISTS (SELECT FROM pg_matviews WHERE matviewname = $1)`
)

// RefreshView builds the refresh statement for one materialized view
func RefreshView(view string, concurrently bool) string {
	name := pgx.Identifier{view}.Sanitize()
	if concurrently {
		return "REFRESH MATERIALIZED VIEW CONCURRENTLY " + name
	}
	return "REFRESH MATERIALIZED VIEW " + name
}
