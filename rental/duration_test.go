package rental_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

func TestDuration_Table(t *testing.T) {
	d := rental.NewDuration(time.UTC)
	date := generic.Date(2025, time.March, 10)

	tests := []struct {
		blocks  int
		endDays int
		endHour int
		hours   float64
	}{
		{1, 1, 4, 12},
		{2, 1, 9, 17},
		{3, 2, 4, 36},
		{4, 2, 9, 41},
		{5, 3, 4, 60},
		{6, 3, 9, 65},
		{7, 4, 4, 84},
		{8, 4, 9, 89},
		{9, 5, 4, 108},
		{10, 5, 9, 113},
		{11, 6, 4, 132},
		{12, 6, 9, 137},
		{13, 7, 4, 156},
		{14, 7, 9, 161},
	}
	for _, tt := range tests {
		iv, err := d.Compute(date, tt.blocks)
		require.NoError(t, err, "blocks=%d", tt.blocks)

		wantStart := time.Date(2025, time.March, 10, 16, 0, 0, 0, time.UTC)
		wantEnd := time.Date(2025, time.March, 10+tt.endDays, tt.endHour, 0, 0, 0, time.UTC)
		assert.Equal(t, wantStart, iv.Start, "blocks=%d", tt.blocks)
		assert.Equal(t, wantEnd, iv.End, "blocks=%d", tt.blocks)
		assert.Equal(t, tt.hours, iv.Duration().Hours(), "blocks=%d", tt.blocks)
	}
}

func TestDuration_RejectsOutOfRangeBlocks(t *testing.T) {
	d := rental.NewDuration(time.UTC)
	for _, n := range []int{-1, 0, 15} {
		_, err := d.Compute(generic.Date(2025, time.March, 10), n)
		assert.ErrorIs(t, err, generic.ErrValidation, "blocks=%d", n)
	}
}

func TestDuration_WallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)
	d := rental.NewDuration(loc)

	// GIVEN: a booking spanning the last Sunday of March (clocks jump forward)
	iv, err := d.Compute(generic.Date(2025, time.March, 29), 2)
	require.NoError(t, err)

	// THEN: the local boundaries stay on 16:00 and 09:00
	assert.Equal(t, 16, iv.Start.In(loc).Hour())
	assert.Equal(t, 9, iv.End.In(loc).Hour())
	assert.Equal(t, 30, iv.End.In(loc).Day())
	assert.Equal(t, 16*time.Hour, iv.Duration(), "one hour lost to DST")
}
