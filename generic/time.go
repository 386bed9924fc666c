package generic

import (
	"time"
)

// =============================================================================
// CLOCK - Injectable "now" (this IS a time-sensitive system)
// =============================================================================

// Clock supplies the current instant. Lead-time rules, snapshot approval
// stamps and scheduler decisions all read time through a Clock so tests can
// pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// DATE HELPERS
// =============================================================================

// DateOf truncates t to midnight in t's own location.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Combine places a wall-clock hour on a calendar date in loc.
func Combine(date time.Time, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = date.Location()
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, loc)
}

// DaysBetween counts calendar days from -> to (negative if to is earlier).
func DaysBetween(from, to time.Time) int {
	f := Date(from.Year(), from.Month(), from.Day())
	t := Date(to.Year(), to.Month(), to.Day())
	return int(t.Sub(f).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) time.Time { return Date(year, month, 1) }

func EndOfMonth(year int, month time.Month) time.Time {
	return Date(year, month+1, 1).AddDate(0, 0, -1)
}

// AddMonths moves t by n calendar months and clamps the day to the last
// day of the target month: Nov 30 plus 3 months is Feb 28, not Mar 2.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Days returns every calendar date in [from, to], both inclusive.
func Days(from, to time.Time) []time.Time {
	var days []time.Time
	for d := DateOf(from); !d.After(DateOf(to)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// FormatDate renders the calendar date part only.
func FormatDate(t time.Time) string { return t.Format("2006-01-02") }

// ParseDate parses YYYY-MM-DD in UTC.
func ParseDate(s string) (time.Time, error) { return time.Parse("2006-01-02", s) }
