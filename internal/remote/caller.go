package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Observer receives one notification per attempt
type Observer interface {
	ObserveRemoteAttempt(op string, outcome string)
}

// Caller executes operations under a Policy and a shared job Deadline
type Caller struct {
	policy   Policy
	deadline *Deadline
	clock    clockwork.Clock
	logger   *slog.Logger
	observer Observer
}

// NewCaller creates a Caller. deadline may be nil for an unbounded caller.
func NewCaller(policy Policy, deadline *Deadline, clock clockwork.Clock, logger *slog.Logger) *Caller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		policy:   policy.normalized(),
		deadline: deadline,
		clock:    clock,
		logger:   logger,
	}
}

// WithPolicy returns a Caller sharing the deadline and clock but retrying under p
func (c *Caller) WithPolicy(p Policy) *Caller {
	cp := *c
	cp.policy = p.normalized()
	return &cp
}

// WithDeadline returns a Caller bound to d
func (c *Caller) WithDeadline(d *Deadline) *Caller {
	cp := *c
	cp.deadline = d
	return &cp
}

// WithObserver returns a Caller reporting attempts to o
func (c *Caller) WithObserver(o Observer) *Caller {
	cp := *c
	cp.observer = o
	return &cp
}

// Deadline returns the job deadline the caller is bound to
func (c *Caller) Deadline() *Deadline {
	return c.deadline
}

// Policy returns the effective retry policy
func (c *Caller) Policy() Policy {
	return c.policy
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts the
// attempt budget or runs out of deadline. Each attempt gets its own context whose
// timeout is the policy call timeout clamped to the deadline.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		generic *backoff.ExponentialBackOff
		warmup  *backoff.ExponentialBackOff
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		timeout, err := c.attemptTimeout()
		if err != nil {
			c.observe(op, KindDeadlineExceeded.String())
			return c.deadlineErr(op, attempt, lastErr)
		}

		var (
			attemptCtx context.Context
			cancel     context.CancelFunc
		)
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		} else {
			attemptCtx, cancel = context.WithCancel(ctx)
		}
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			c.observe(op, "success")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			c.observe(op, "canceled")
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		kind := c.policy.classify(err)
		c.observe(op, kind.String())

		if !kind.Retryable() {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= c.policy.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}

		var delay time.Duration
		if kind == KindWarmup {
			if warmup == nil {
				warmup = c.policy.newBackOff(c.policy.WarmupBackoff)
			}
			delay = warmup.NextBackOff()
		} else {
			if generic == nil {
				generic = c.policy.newBackOff(c.policy.InitialBackoff)
			}
			delay = generic.NextBackOff()
		}
		if hint := retryAfterOf(err); hint > delay {
			delay = hint
		}

		// Sleeping past the deadline would only burn the budget
		if c.deadline != nil && delay+c.policy.MinAttemptTimeout >= c.deadline.Available() {
			c.observe(op, KindDeadlineExceeded.String())
			return c.deadlineErr(op, attempt+1, err)
		}

		c.logger.Warn("Remote call failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-c.clock.After(delay):
		}
	}
}

// attemptTimeout returns zero for an unbounded caller without a call timeout
func (c *Caller) attemptTimeout() (time.Duration, error) {
	timeout, err := c.deadline.Effective(c.policy.CallTimeout)
	if err != nil {
		return 0, err
	}
	if c.deadline != nil && timeout < c.policy.MinAttemptTimeout {
		return 0, ErrDeadlineExceeded
	}
	return timeout, nil
}

func (c *Caller) deadlineErr(op string, attempt int, last error) error {
	if last != nil {
		return fmt.Errorf("%s: attempt %d: %w (last error: %v)", op, attempt, ErrDeadlineExceeded, last)
	}
	return fmt.Errorf("%s: attempt %d: %w", op, attempt, ErrDeadlineExceeded)
}

func (c *Caller) observe(op, outcome string) {
	if c.observer != nil {
		c.observer.ObserveRemoteAttempt(op, outcome)
	}
}

// Call is Do for operations that produce a value
func Call[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
