package queries

const (
	// HealthCheck is a simple connection check
	HealthCheck = `SELECT 1`

	// TableExists checks if a table exists in the current schema
	TableExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)
	`
)
