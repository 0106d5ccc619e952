package remote

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/framara/what-the-meta-backend/internal/config"
)

// Policy describes how a family of calls is retried
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the first
	MaxAttempts int
	// CallTimeout is the requested per-attempt timeout before deadline clamping
	CallTimeout time.Duration
	// MinAttemptTimeout is the least clamped timeout still worth an attempt
	MinAttemptTimeout time.Duration
	InitialBackoff    time.Duration
	// WarmupBackoff is the initial interval of the longer connection-level class
	WarmupBackoff time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	// Jitter is the backoff randomization factor in [0, 1)
	Jitter float64
	// Classify overrides KindOf when set
	Classify func(error) Kind
}

// DefaultPolicy returns the policy used for upstream calls when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       4,
		CallTimeout:       10 * time.Second,
		MinAttemptTimeout: 100 * time.Millisecond,
		InitialBackoff:    500 * time.Millisecond,
		WarmupBackoff:     3 * time.Second,
		MaxBackoff:        30 * time.Second,
		Multiplier:        2,
		Jitter:            0.2,
	}
}

// PolicyFromConfig builds the policy for remote calls from configuration
func PolicyFromConfig(cfg config.RemoteConfig) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.CallTimeout = cfg.CallTimeout
	p.InitialBackoff = cfg.InitialBackoff
	p.WarmupBackoff = cfg.WarmupBackoff
	p.MaxBackoff = cfg.MaxBackoff
	return p.normalized()
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.WarmupBackoff <= 0 {
		p.WarmupBackoff = p.InitialBackoff * 6
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.WarmupBackoff {
		p.MaxBackoff = p.WarmupBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) classify(err error) Kind {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return KindOf(err)
}

func (p Policy) newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = p.Jitter
	b.InitialInterval = initial
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0 // attempts and the job deadline bound the loop
	b.Reset()
	return b
}
