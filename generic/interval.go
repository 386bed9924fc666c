package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INTERVAL - Half-open time range [Start, End)
// =============================================================================

// Interval is a half-open range [Start, End). Every comparison of booked time
// in this module goes through Overlaps; there is no second implementation.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval returns ErrInvalidInterval unless end > start.
func NewInterval(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start, End: end}, nil
}

// Overlaps is the canonical predicate: s1 < e2 AND e1 > s2.
// Adjacent intervals (e1 == s2) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && i.End.After(o.Start)
}

// Contains reports whether t lies in [Start, End).
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Intersect returns the overlapping part of two intervals, if any.
func (i Interval) Intersect(o Interval) (Interval, bool) {
	if !i.Overlaps(o) {
		return Interval{}, false
	}
	start := i.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := i.End
	if o.End.Before(end) {
		end = o.End
	}
	return Interval{Start: start, End: end}, true
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Hours is the exact length in hours, kept in decimal so pro-rated partial
// hours price without float drift.
func (i Interval) Hours() decimal.Decimal {
	return decimal.NewFromInt(int64(i.Duration() / time.Minute)).Div(decimal.NewFromInt(60))
}

func (i Interval) String() string {
	return "[" + i.Start.Format(time.RFC3339) + ", " + i.End.Format(time.RFC3339) + ")"
}

// DateRange converts an inclusive calendar range into the half-open interval
// [from 00:00, to+1 00:00) in loc.
func DateRange(from, to time.Time, loc *time.Location) Interval {
	if loc == nil {
		loc = time.UTC
	}
	return Interval{
		Start: Combine(from, 0, loc),
		End:   Combine(to.AddDate(0, 0, 1), 0, loc),
	}
}
