// Package ratelimit paces outbound upstream requests per key (usually a region).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// IntervalLimiter enforces a minimum interval between operations per key.
//
// Different from WindowLimiter:
// - IntervalLimiter: spaces consecutive requests (e.g. at most one request every 20ms)
// - WindowLimiter: caps the number of requests inside a sliding window (e.g. 36000 per hour)
//
// Thread-safe via internal mutex.
type IntervalLimiter struct {
	mu    sync.Mutex
	clock clockwork.Clock
	// next is the earliest slot handed out per key
	next map[string]time.Time
}

// NewIntervalLimiter creates an interval limiter on the given clock (real clock when nil)
func NewIntervalLimiter(clock clockwork.Clock) *IntervalLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IntervalLimiter{
		clock: clock,
		next:  make(map[string]time.Time),
	}
}

// Wait blocks until the key's next slot.
// Slots are reserved on entry so concurrent waiters on one key are spaced by minInterval.
// If minInterval <= 0, returns immediately.
// Returns error if context is cancelled while waiting; the reserved slot is not reclaimed.
func (l *IntervalLimiter) Wait(ctx context.Context, key string, minInterval time.Duration) error {
	if minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.clock.Now()
	slot := l.next[key]
	if slot.Before(now) {
		slot = now
	}
	l.next[key] = slot.Add(minInterval)
	l.mu.Unlock()

	waitFor := slot.Sub(now)
	if waitFor <= 0 {
		return nil
	}

	timer := l.clock.NewTimer(waitFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Reset clears the tracking for a specific key
func (l *IntervalLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.next, key)
}

// ResetAll clears all tracking
func (l *IntervalLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = make(map[string]time.Time)
}
