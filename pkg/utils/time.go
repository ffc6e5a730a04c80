package utils

import (
	"fmt"
	"time"
)

// DayLayout is the calendar-day format used for sync windows and query filters.
const DayLayout = "2006-01-02"

// Now returns the current time in UTC timezone
func Now() time.Time {
	return time.Now().UTC()
}

// FormatISO8601 formats a time.Time to ISO8601 format in UTC
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatDay renders t as a UTC calendar day (YYYY-MM-DD).
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD string as midnight UTC.
func ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t, nil
}

// StartOfDay returns 00:00:00.000 UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns 23:59:59.999999999 UTC of the day containing t.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Nanosecond)
}

// ParseTimestamp parses the RFC3339 timestamps used by the remote API
// (with or without fractional seconds). Empty input yields the zero time.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
