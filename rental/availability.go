package rental

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// AVAILABILITY - Day-granular calendar projection
// =============================================================================

// Each calendar day is split into an AM period [04:00, 16:00) and a PM
// period [16:00, next day 04:00), matching the block boundaries bookings use.
const (
	AMStartHour = 4
	PMStartHour = 16
)

type DayState string

const (
	DayAvailable DayState = "available"
	DayAMOnly    DayState = "am_only" // AM period booked, PM free
	DayPMOnly    DayState = "pm_only" // PM period booked, AM free
	DayFull      DayState = "full"
)

// Coverage describes one half-day period.
type Coverage struct {
	Approved bool // covered by an APPROVED reservation
	Own      bool // ...and that reservation belongs to one of the viewer's projects
	Pending  bool // covered by any PENDING reservation
}

type DayAvailability struct {
	Date  time.Time
	AM    Coverage
	PM    Coverage
	State DayState
}

// Availability projects the node's calendar for [from, to] (inclusive dates).
// It is read-only and never authorizes anything: approval always re-validates.
func (d *ConflictDetector) Availability(ctx context.Context, store Store, nodeID string, from, to time.Time, viewerProjects []string) ([]DayAvailability, error) {
	if to.Before(from) {
		return nil, &generic.ValidationError{Field: "to", Reason: "must not be before from"}
	}
	loc := d.location()

	windowStart := generic.Combine(from, AMStartHour, loc)
	windowEnd := generic.Combine(to.AddDate(0, 0, 1), AMStartHour, loc)
	reservations, err := store.ListReservations(ctx, WindowFilter(nodeID, windowStart, windowEnd, StatusApproved, StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	viewer := make(map[string]bool, len(viewerProjects))
	for _, p := range viewerProjects {
		viewer[p] = true
	}

	var days []DayAvailability
	for _, date := range generic.Days(from, to) {
		am := generic.Interval{Start: generic.Combine(date, AMStartHour, loc), End: generic.Combine(date, PMStartHour, loc)}
		pm := generic.Interval{Start: am.End, End: generic.Combine(date.AddDate(0, 0, 1), AMStartHour, loc)}

		day := DayAvailability{
			Date: date,
			AM:   cover(am, reservations, viewer),
			PM:   cover(pm, reservations, viewer),
		}
		day.State = combine(day.AM, day.PM)
		days = append(days, day)
	}
	return days, nil
}

func cover(period generic.Interval, reservations []Reservation, viewer map[string]bool) Coverage {
	var c Coverage
	for _, r := range reservations {
		if !r.Interval().Overlaps(period) {
			continue
		}
		switch r.Status {
		case StatusApproved:
			c.Approved = true
			if viewer[r.ProjectID] {
				c.Own = true
			}
		case StatusPending:
			c.Pending = true
		}
	}
	return c
}

func combine(am, pm Coverage) DayState {
	switch {
	case am.Approved && pm.Approved:
		return DayFull
	case am.Approved:
		return DayAMOnly
	case pm.Approved:
		return DayPMOnly
	default:
		return DayAvailable
	}
}
