package generic

import "time"

// =============================================================================
// TIME UTILITIES
// =============================================================================
// Circles work in UTC calendar days. Every time-sensitive function in this
// module takes an explicit asOf; nothing here reads the wall clock.

const Day = 24 * time.Hour

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a UTC midnight timestamp.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func AddDays(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) }

// CeilDiv returns ceil(d / unit) for non-negative d and positive unit.
func CeilDiv(d, unit time.Duration) int64 {
	if d <= 0 || unit <= 0 {
		return 0
	}
	return int64((d + unit - 1) / unit)
}
