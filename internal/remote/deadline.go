package remote

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Deadline is the job-wide point in time every call is clamped against.
// It is computed once per run. A nil *Deadline is unbounded.
type Deadline struct {
	clock  clockwork.Clock
	at     time.Time
	margin time.Duration
}

// NewDeadline creates a deadline at the given instant, keeping margin in reserve
func NewDeadline(clock clockwork.Clock, at time.Time, margin time.Duration) *Deadline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if margin < 0 {
		margin = 0
	}
	return &Deadline{clock: clock, at: at, margin: margin}
}

// BudgetDeadline derives the deadline from an explicit runtime budget starting now
func BudgetDeadline(clock clockwork.Clock, budget, margin time.Duration) *Deadline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return NewDeadline(clock, clock.Now().Add(budget), margin)
}

// LeaseDeadline derives the deadline from a lease expiry minus a safety buffer
func LeaseDeadline(clock clockwork.Clock, expiresAt time.Time, buffer, margin time.Duration) *Deadline {
	return NewDeadline(clock, expiresAt.Add(-buffer), margin)
}

// Clamp returns a deadline that ends at the earlier of d and at
func (d *Deadline) Clamp(at time.Time) *Deadline {
	if d == nil {
		return nil
	}
	if at.IsZero() || !at.Before(d.at) {
		return d
	}
	return &Deadline{clock: d.clock, at: at, margin: d.margin}
}

// At returns the deadline instant, zero for an unbounded deadline
func (d *Deadline) At() time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.at
}

// Remaining returns the time left until the deadline
func (d *Deadline) Remaining() time.Duration {
	if d == nil {
		return time.Duration(1<<63 - 1)
	}
	return d.at.Sub(d.clock.Now())
}

// Available returns the remaining time minus the safety margin
func (d *Deadline) Available() time.Duration {
	if d == nil {
		return time.Duration(1<<63 - 1)
	}
	return d.Remaining() - d.margin
}

// Effective returns min(requested, remaining - margin).
// A non-positive requested timeout means "as long as allowed".
// Returns ErrDeadlineExceeded when nothing is left.
func (d *Deadline) Effective(requested time.Duration) (time.Duration, error) {
	if d == nil {
		return requested, nil
	}

	avail := d.Available()
	if avail <= 0 {
		return 0, ErrDeadlineExceeded
	}
	if requested <= 0 || requested > avail {
		return avail, nil
	}
	return requested, nil
}

// Exceeded reports whether no usable time is left
func (d *Deadline) Exceeded() bool {
	return d != nil && d.Available() <= 0
}
