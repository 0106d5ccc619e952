package connection

import (
	"context"
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/framara/what-the-meta-backend/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidURL(t *testing.T) {
	pool, err := New(context.Background(), config.DatabaseConfig{
		URL:      "invalid-url",
		MaxConns: 5,
		MinConns: 1,
	}, testhelpers.NewTestLogger())
	assert.Error(t, err)
	assert.Nil(t, pool)
}

func TestNew_MissingURL(t *testing.T) {
	pool, err := New(context.Background(), config.DatabaseConfig{}, testhelpers.NewTestLogger())
	assert.Error(t, err)
	assert.Nil(t, pool)
}

func TestPool_Close_Idempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: testhelpers.NewTestLogger(),
		ctx:    ctx,
		cancel: cancel,
	}

	p.Close()
	assert.True(t, p.closed.Load())
	assert.Error(t, ctx.Err())

	p.Close()
	assert.True(t, p.closed.Load())
}

func TestPool_Acquire_Unhealthy(t *testing.T) {
	p := &Pool{logger: testhelpers.NewTestLogger()}

	conn, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Nil(t, conn)
	assert.False(t, p.IsHealthy())
	assert.Nil(t, p.Stats())
}

func TestPool_Live(t *testing.T) {
	url := testhelpers.DatabaseURL(t)

	p, err := New(context.Background(), config.DatabaseConfig{
		URL:                 url,
		MaxConns:            4,
		MinConns:            1,
		ConnectTimeout:      5 * time.Second,
		HealthCheckInterval: time.Second,
	}, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, p.IsHealthy())
	require.NotNil(t, p.Stats())

	var one int
	require.NoError(t, p.Bun().QueryRowContext(context.Background(), "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
}
