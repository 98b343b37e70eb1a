// Package timestamp provides standardized Unix timestamp handling.
//
// The canonical format is int64 milliseconds since the Unix epoch (UTC).
// A value of 0 means "not set" or "unparsable"; every function treats zero
// gracefully, so a malformed persisted timestamp can never panic a fold --
// it simply loses any ordering comparison.
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns the zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display and
// persistence. Returns the empty string if ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Day returns the UTC calendar day (ISO date, "2006-01-02") containing the
// given timestamp. Returns the empty string if ms is 0.
func Day(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

// Parse converts various timestamp representations to Unix milliseconds.
// Supports:
//   - int64/int/float64 (assumed milliseconds if > 1e12, otherwise seconds)
//   - string (RFC3339, RFC3339Nano, or a numeric Unix timestamp)
//   - time.Time
//   - nil and zero values (return 0)
//
// Returns 0 for any input it cannot interpret. Callers use the zero return
// to mean "cannot compare" rather than treating it as an error.
func Parse(input any) int64 {
	if input == nil {
		return 0
	}

	switch v := input.(type) {
	case int64:
		return fromNumeric(float64(v))

	case int:
		return fromNumeric(float64(v))

	case float64:
		return fromNumeric(v)

	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ToUnixMs(t)
		}
		if ts, err := strconv.ParseFloat(v, 64); err == nil {
			return fromNumeric(ts)
		}
		return 0

	case time.Time:
		return ToUnixMs(v)

	case *time.Time:
		if v == nil {
			return 0
		}
		return ToUnixMs(*v)

	default:
		return 0
	}
}

// fromNumeric interprets a numeric timestamp. Values above 1e12 (year 2001
// in seconds) are assumed to already be milliseconds.
func fromNumeric(v float64) int64 {
	if v <= 0 {
		return 0
	}
	if v > 1e12 {
		return int64(v)
	}
	return int64(v * 1000)
}

// IsZero checks if a timestamp is unset.
func IsZero(ms int64) bool {
	return ms == 0
}

// Since returns the duration since the given timestamp, or 0 if unset.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}
