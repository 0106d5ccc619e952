package remote

import (
	"testing"
	"time"

	"github.com/framara/what-the-meta-backend/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RemoteConfig{
		CallTimeout:    3 * time.Second,
		MaxAttempts:    6,
		InitialBackoff: 200 * time.Millisecond,
		WarmupBackoff:  2 * time.Second,
		MaxBackoff:     10 * time.Second,
	})

	assert.Equal(t, 6, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.CallTimeout)
	assert.Equal(t, 200*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.WarmupBackoff)
	assert.Equal(t, 10*time.Second, p.MaxBackoff)
	assert.Equal(t, 100*time.Millisecond, p.MinAttemptTimeout)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: time.Second, Jitter: 1.5}.normalized()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 6*time.Second, p.WarmupBackoff)
	assert.Equal(t, 6*time.Second, p.MaxBackoff, "max backoff never undercuts the warmup class")
	assert.Equal(t, float64(2), p.Multiplier)
	assert.Zero(t, p.Jitter)
}

func TestPolicy_WarmupBackoffIsLonger(t *testing.T) {
	p := DefaultPolicy().normalized()
	p.Jitter = 0

	generic := p.newBackOff(p.InitialBackoff)
	warmup := p.newBackOff(p.WarmupBackoff)

	assert.Equal(t, 500*time.Millisecond, generic.NextBackOff())
	assert.Equal(t, 3*time.Second, warmup.NextBackOff())
	assert.Equal(t, time.Second, generic.NextBackOff())
}
