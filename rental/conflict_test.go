package rental_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
	"github.com/warp/noderental/store/memory"
)

var testNow = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *memory.Memory {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveNode(ctx, rental.Node{ID: "n1", Name: "gpu-01", SKUID: "sku-gpu", Active: true}))
	require.NoError(t, store.SaveNode(ctx, rental.Node{ID: "n2", Name: "gpu-02", SKUID: "sku-gpu", Active: false}))
	require.NoError(t, store.SaveProject(ctx, rental.Project{ID: "p1", Name: "Genomics"}))
	require.NoError(t, store.SaveProject(ctx, rental.Project{ID: "p2", Name: "Climate"}))
	return store
}

func approved(t *testing.T, store *memory.Memory, id, projectID string, date time.Time, blocks int) rental.Reservation {
	t.Helper()
	iv, err := rental.NewDuration(time.UTC).Compute(date, blocks)
	require.NoError(t, err)
	r := rental.Reservation{
		ID: id, NodeID: "n1", ProjectID: projectID, RequestedBy: "alice",
		Start: iv.Start, End: iv.End, Blocks: blocks,
		Status: rental.StatusApproved, CreatedAt: testNow,
	}
	require.NoError(t, store.SaveReservation(context.Background(), r))
	return r
}

func TestConflictDetector_CheckWindow(t *testing.T) {
	d := rental.NewConflictDetector(rental.DefaultLeadTimeDays, rental.DefaultHorizonMonths, time.UTC)

	tests := []struct {
		name  string
		start time.Time
		ok    bool
	}{
		{"six days ahead", time.Date(2025, time.March, 7, 16, 0, 0, 0, time.UTC), false},
		{"exactly seven days", time.Date(2025, time.March, 8, 16, 0, 0, 0, time.UTC), true},
		{"exactly three months", time.Date(2025, time.June, 1, 16, 0, 0, 0, time.UTC), true},
		{"past horizon", time.Date(2025, time.June, 2, 16, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.CheckWindow(tt.start, testNow)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ve *generic.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "start", ve.Field)
		})
	}
}

func TestConflictDetector_CheckWindowUsesBookingLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	d := rental.NewConflictDetector(7, 3, loc)

	// GIVEN: 20:00 UTC on March 1 is already March 2 in the booking location
	now := time.Date(2025, time.March, 1, 20, 0, 0, 0, time.UTC)

	// THEN: March 8 is only six local days ahead
	err := d.CheckWindow(generic.Combine(generic.Date(2025, time.March, 8), 16, loc), now)
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.NoError(t, d.CheckWindow(generic.Combine(generic.Date(2025, time.March, 9), 16, loc), now))
}

func TestConflictDetector_HorizonClampsAtMonthEnd(t *testing.T) {
	d := rental.NewConflictDetector(rental.DefaultLeadTimeDays, 3, time.UTC)

	// GIVEN: today is November 30, so the horizon ends on February 28
	now := time.Date(2025, time.November, 30, 10, 0, 0, 0, time.UTC)

	// THEN: the last day of February is allowed and March 2 is not
	assert.NoError(t, d.CheckWindow(time.Date(2026, time.February, 28, 16, 0, 0, 0, time.UTC), now))
	assert.ErrorIs(t, d.CheckWindow(time.Date(2026, time.March, 1, 16, 0, 0, 0, time.UTC), now), generic.ErrValidation)
	assert.ErrorIs(t, d.CheckWindow(time.Date(2026, time.March, 2, 16, 0, 0, 0, time.UTC), now), generic.ErrValidation)
}

func TestConflictDetector_CheckConflicts(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	d := rental.NewConflictDetector(7, 3, time.UTC)
	dur := rental.NewDuration(time.UTC)

	// GIVEN: an approved booking [Mar 10 16:00, Mar 11 09:00)
	existing := approved(t, store, "r-existing", "p1", generic.Date(2025, time.March, 10), 2)

	candidate := func(date time.Time, blocks int) rental.Candidate {
		iv, err := dur.Compute(date, blocks)
		require.NoError(t, err)
		return rental.Candidate{ID: "new", NodeID: "n1", Interval: iv}
	}

	// WHEN/THEN: a window covering it conflicts
	err := d.CheckConflicts(ctx, store, candidate(generic.Date(2025, time.March, 9), 4))
	var ce *generic.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, existing.ID, ce.ConflictingID)

	// Ending at 04:00 on the approved start day does not
	assert.NoError(t, d.CheckConflicts(ctx, store, candidate(generic.Date(2025, time.March, 9), 1)))

	// Starting the evening after the 09:00 turnover does not
	assert.NoError(t, d.CheckConflicts(ctx, store, candidate(generic.Date(2025, time.March, 11), 1)))

	// The reservation never conflicts with itself
	self := existing.Candidate()
	assert.NoError(t, d.CheckConflicts(ctx, store, self))

	// Other nodes are unaffected
	other := candidate(generic.Date(2025, time.March, 10), 2)
	other.NodeID = "n2"
	assert.NoError(t, d.CheckConflicts(ctx, store, other))
}

func TestConflictDetector_PendingDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	d := rental.NewConflictDetector(7, 3, time.UTC)

	r := approved(t, store, "r-pending", "p1", generic.Date(2025, time.March, 10), 2)
	r.Status = rental.StatusPending
	require.NoError(t, store.SaveReservation(ctx, r))

	c := r.Candidate()
	c.ID = "other"
	assert.NoError(t, d.Validate(ctx, store, c, testNow))
}

func TestConflictDetector_Availability(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	d := rental.NewConflictDetector(7, 3, time.UTC)

	// GIVEN: p1 approved [Mar 10 16:00, Mar 11 09:00), p2 pending Mar 12 evening
	approved(t, store, "r1", "p1", generic.Date(2025, time.March, 10), 2)
	pending := approved(t, store, "r2", "p2", generic.Date(2025, time.March, 12), 1)
	pending.Status = rental.StatusPending
	require.NoError(t, store.SaveReservation(ctx, pending))

	// WHEN
	days, err := d.Availability(ctx, store, "n1", generic.Date(2025, time.March, 9), generic.Date(2025, time.March, 12), []string{"p1"})
	require.NoError(t, err)
	require.Len(t, days, 4)

	// THEN
	assert.Equal(t, rental.DayAvailable, days[0].State)

	assert.Equal(t, rental.DayPMOnly, days[1].State)
	assert.True(t, days[1].PM.Approved)
	assert.True(t, days[1].PM.Own)
	assert.False(t, days[1].AM.Approved)

	assert.Equal(t, rental.DayAMOnly, days[2].State)
	assert.True(t, days[2].AM.Own)

	assert.Equal(t, rental.DayAvailable, days[3].State)
	assert.True(t, days[3].PM.Pending)
	assert.False(t, days[3].AM.Pending)
}

func TestConflictDetector_AvailabilityFullAndForeign(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	d := rental.NewConflictDetector(7, 3, time.UTC)

	// GIVEN: a four-block booking owned by p2 covers Mar 11 from 04:00 to 16:00 and beyond
	approved(t, store, "r1", "p2", generic.Date(2025, time.March, 10), 4)

	days, err := d.Availability(ctx, store, "n1", generic.Date(2025, time.March, 11), generic.Date(2025, time.March, 11), []string{"p1"})
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, rental.DayFull, days[0].State)
	assert.False(t, days[0].AM.Own)

	_, err = d.Availability(ctx, store, "n1", generic.Date(2025, time.March, 11), generic.Date(2025, time.March, 10), nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}
