package utils

import "time"

// NowUTC returns current time in UTC timezone.
// Used for every timestamp the ingestor writes so that shard files,
// lease rows and log lines agree on the zone.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// UnixMilliUTC converts epoch milliseconds as reported by the upstream API
// into a UTC time with millisecond precision.
func UnixMilliUTC(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MinDuration returns the smaller of two durations.
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// MaxDuration returns the larger of two durations.
func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
