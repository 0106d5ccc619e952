package schema

import (
	"context"
	"testing"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/store/connection"
	"github.com/framara/what-the-meta-backend/internal/store/queries"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViews_MatchDefaultConfig(t *testing.T) {
	assert.Equal(t, config.DefaultViews(), ViewNames())
	for _, v := range Views() {
		assert.NotEmpty(t, v.UniqueIndex, v.Name)
		assert.NotEmpty(t, v.Query, v.Name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	url := testhelpers.DatabaseURL(t)
	cfg := testhelpers.NewTestConfig()
	cfg.Database.URL = url

	pool, err := connection.New(context.Background(), cfg.Database, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, Migrate(context.Background(), pool.Bun(), testhelpers.NewTestLogger()))
	require.NoError(t, Migrate(context.Background(), pool.Bun(), testhelpers.NewTestLogger()))

	for _, v := range ViewNames() {
		var exists bool
		require.NoError(t, pool.PGX().QueryRow(context.Background(), queries.ViewExists, v).Scan(&exists))
		assert.True(t, exists, v)
	}
}
