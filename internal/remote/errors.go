// Package remote wraps every outbound call of an ingestion run with bounded
// retries, two backoff classes and a job-wide deadline.
package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeadlineExceeded is returned when the job-wide deadline leaves no room for another attempt.
// It is fatal to the whole run.
var ErrDeadlineExceeded = errors.New("remote: deadline exceeded")

// Kind is the error taxonomy every failed call is classified into
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindWarmup
	KindRateLimited
	KindNotFound
	KindConstraintViolation
	KindDeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindWarmup:
		return "warmup"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "fatal"
	}
}

// Retryable reports whether another attempt may succeed
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindWarmup || k == KindRateLimited
}

// Error is a classified remote failure
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the server supplied hint, zero when absent
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewStatusError builds a classified error from an HTTP status code
func NewStatusError(statusCode int, retryAfter time.Duration, err error) *Error {
	return &Error{
		Kind:       ClassifyStatus(statusCode),
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// IsNotFound reports whether err signals absent upstream data
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsDeadline reports whether err is the run-level deadline condition
func IsDeadline(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}

// retryAfterOf extracts the server hint carried by err, if any
func retryAfterOf(err error) time.Duration {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.RetryAfter
	}
	return 0
}
