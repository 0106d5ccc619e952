package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ClassifyStatus maps an HTTP status code onto a Kind
func ClassifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return KindTransient
	case statusCode == http.StatusBadGateway || statusCode == http.StatusServiceUnavailable:
		// Upstream is restarting or its backends are not ready yet
		return KindWarmup
	case statusCode >= 500 && statusCode < 600:
		return KindTransient
	default:
		return KindFatal
	}
}

// KindOf classifies any error returned by a remote call or a database operation
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}

	if errors.Is(err, ErrDeadlineExceeded) {
		return KindDeadlineExceeded
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return KindWarmup
	}

	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	// Per-attempt timeout; the job deadline is checked separately before every attempt
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindWarmup
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransient
		}
		return KindWarmup
	}

	return KindFatal
}

func classifySQLState(code string) Kind {
	switch {
	case strings.HasPrefix(code, "08"):
		// connection exception class
		return KindWarmup
	case code == "57P03" || code == "53300":
		// cannot_connect_now, too_many_connections
		return KindWarmup
	case code == "40001" || code == "40P01":
		// serialization_failure, deadlock_detected
		return KindTransient
	case strings.HasPrefix(code, "23"):
		return KindConstraintViolation
	default:
		return KindFatal
	}
}

// ParseRetryAfter parses a Retry-After header given either as delay seconds or as an HTTP date.
// Returns zero when the header is absent or unparsable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
