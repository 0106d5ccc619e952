package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
)

// DatabaseURLEnv names the variable that enables Postgres-backed tests
const DatabaseURLEnv = "LEADERBOARD_TEST_DATABASE_URL"

// NewTestConfig creates a fully defaulted configuration with tiny timeouts for tests
func NewTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.URL = "postgres://localhost:5432/wtm_test"
	cfg.Remote.CallTimeout = time.Second
	cfg.Remote.SafetyMargin = 0
	cfg.Remote.InitialBackoff = time.Millisecond
	cfg.Remote.WarmupBackoff = 2 * time.Millisecond
	cfg.Remote.MaxBackoff = 5 * time.Millisecond
	cfg.Lease.ReleaseTimeout = time.Second
	cfg.Upstream.MinRequestInterval = 0
	cfg.Upstream.HourlyQuota = 0
	return cfg
}

// DatabaseURL returns the test database DSN or skips the test when it is not configured
func DatabaseURL(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping Postgres test", DatabaseURLEnv)
	}
	return dsn
}
