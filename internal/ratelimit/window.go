package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// WindowLimiter caps requests per key inside a sliding window
type WindowLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limit    int
	window   time.Duration
	requests map[string][]time.Time
}

// NewWindowLimiter creates a limiter allowing limit requests per window.
// limit <= 0 disables limiting.
func NewWindowLimiter(clock clockwork.Clock, limit int, window time.Duration) *WindowLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WindowLimiter{
		clock:    clock,
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// cleanOld drops requests that left the window.
// Must be called with l.mu locked.
func (l *WindowLimiter) cleanOld(key string, now time.Time) []time.Time {
	reqs := l.requests[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	if i > 0 {
		reqs = append(reqs[:0], reqs[i:]...)
		l.requests[key] = reqs
	}
	return reqs
}

// Allow records a request and returns true when the key is under its limit
func (l *WindowLimiter) Allow(key string) bool {
	ok, _ := l.reserve(key)
	return ok
}

// reserve records a request if allowed, otherwise returns how long until a slot frees up
func (l *WindowLimiter) reserve(key string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	reqs := l.cleanOld(key, now)
	if len(reqs) < l.limit {
		l.requests[key] = append(reqs, now)
		return true, 0
	}
	return false, reqs[0].Add(l.window).Sub(now)
}

// Wait blocks until the key has room in its window, then records the request
func (l *WindowLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, wait := l.reserve(key)
		if ok {
			return nil
		}

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// Current returns the number of requests in the key's window
func (l *WindowLimiter) Current(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cleanOld(key, l.clock.Now()))
}
