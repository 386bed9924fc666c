package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/noderental/generic"
)

func at(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

func iv(s, e time.Time) generic.Interval {
	return generic.Interval{Start: s, End: e}
}

func TestInterval_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b generic.Interval
		want bool
	}{
		{"adjacent end meets start", iv(at(1, 16), at(2, 4)), iv(at(2, 4), at(2, 16)), false},
		{"adjacent start meets end", iv(at(2, 4), at(2, 16)), iv(at(1, 16), at(2, 4)), false},
		{"partial overlap", iv(at(1, 16), at(2, 9)), iv(at(2, 4), at(2, 16)), true},
		{"contained", iv(at(1, 0), at(5, 0)), iv(at(2, 0), at(3, 0)), true},
		{"identical", iv(at(1, 16), at(2, 4)), iv(at(1, 16), at(2, 4)), true},
		{"disjoint", iv(at(1, 16), at(2, 4)), iv(at(3, 16), at(4, 4)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a), "predicate must be symmetric")
		})
	}
}

func TestInterval_NewRejectsEmpty(t *testing.T) {
	_, err := generic.NewInterval(at(1, 16), at(1, 16))
	assert.ErrorIs(t, err, generic.ErrInvalidInterval)

	_, err = generic.NewInterval(at(2, 16), at(1, 16))
	assert.ErrorIs(t, err, generic.ErrInvalidInterval)
}

func TestInterval_IntersectAndHours(t *testing.T) {
	// GIVEN: a 41h reservation straddling the end of a period
	res := iv(at(30, 16), time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC))
	march := generic.DateRange(generic.Date(2025, time.March, 1), generic.Date(2025, time.March, 31), time.UTC)

	// WHEN: intersecting with March
	part, ok := res.Intersect(march)

	// THEN: only the March portion remains (30th 16:00 -> April 1st 00:00 = 32h)
	require.True(t, ok)
	assert.True(t, part.Hours().Equal(decimal.RequireFromString("32")), "got %s", part.Hours())
	assert.True(t, res.Hours().Equal(decimal.RequireFromString("41")))
}

func TestInterval_HoursFractional(t *testing.T) {
	i := iv(at(1, 0), at(1, 0).Add(90*time.Minute))
	assert.Equal(t, "1.5", i.Hours().String())
}

func TestDateRange_HalfOpen(t *testing.T) {
	r := generic.DateRange(generic.Date(2025, time.March, 1), generic.Date(2025, time.March, 31), time.UTC)
	assert.True(t, r.Contains(at(31, 23)))
	assert.False(t, r.Contains(time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		n    int
		want time.Time
	}{
		{"plain", generic.Date(2025, time.March, 3), 3, generic.Date(2025, time.June, 3)},
		{"nov 30 into february", generic.Date(2025, time.November, 30), 3, generic.Date(2026, time.February, 28)},
		{"leap year", generic.Date(2023, time.November, 30), 3, generic.Date(2024, time.February, 29)},
		{"jan 31 into april", generic.Date(2025, time.January, 31), 3, generic.Date(2025, time.April, 30)},
		{"across year end", generic.Date(2025, time.December, 15), 2, generic.Date(2026, time.February, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, generic.AddMonths(tt.from, tt.n).Equal(tt.want), "got %s", generic.AddMonths(tt.from, tt.n))
		})
	}
}
