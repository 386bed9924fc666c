/*
conflict.go - Reservation window validation

PURPOSE:
  Decides whether a candidate window may be booked on a node:
    1. Lead time: the start date must be at least LeadTimeDays after today.
    2. Horizon:   the start date must be within HorizonMonths of today.
    3. Overlap:   no APPROVED reservation on the node may overlap it.

  "Today" is the calendar date of the supplied instant in the booking
  location. PENDING reservations never block: only approval claims a node.

  The overlap test is generic.Interval.Overlaps and nothing else. The store
  query only prefilters rows; every returned row is re-checked here.

SEE ALSO:
  - availability.go: calendar projection using the same predicate
  - request.go: Request and Approve call Validate
*/
package rental

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/noderental/generic"
)

const (
	DefaultLeadTimeDays  = 7
	DefaultHorizonMonths = 3
)

type ConflictDetector struct {
	LeadTimeDays  int
	HorizonMonths int
	Location      *time.Location
}

func NewConflictDetector(leadTimeDays, horizonMonths int, loc *time.Location) *ConflictDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &ConflictDetector{LeadTimeDays: leadTimeDays, HorizonMonths: horizonMonths, Location: loc}
}

// Validate runs the booking window rules against now, then the overlap check.
func (d *ConflictDetector) Validate(ctx context.Context, store Store, c Candidate, now time.Time) error {
	if err := d.CheckWindow(c.Interval.Start, now); err != nil {
		return err
	}
	return d.CheckConflicts(ctx, store, c)
}

// CheckWindow enforces the minimum lead time and the rolling horizon.
func (d *ConflictDetector) CheckWindow(start, now time.Time) error {
	today := generic.DateOf(now.In(d.location()))
	startDate := generic.DateOf(start.In(d.location()))

	earliest := today.AddDate(0, 0, d.LeadTimeDays)
	if startDate.Before(earliest) {
		return &generic.ValidationError{
			Field:  "start",
			Reason: fmt.Sprintf("reservations must start at least %d days ahead (earliest %s)", d.LeadTimeDays, generic.FormatDate(earliest)),
		}
	}

	latest := generic.AddMonths(today, d.HorizonMonths)
	if startDate.After(latest) {
		return &generic.ValidationError{
			Field:  "start",
			Reason: fmt.Sprintf("reservations cannot start more than %d months ahead (latest %s)", d.HorizonMonths, generic.FormatDate(latest)),
		}
	}
	return nil
}

// CheckConflicts fails with ConflictError if an APPROVED reservation on the
// candidate's node overlaps it. The candidate's own row is ignored.
func (d *ConflictDetector) CheckConflicts(ctx context.Context, store Store, c Candidate) error {
	existing, err := store.ListReservations(ctx, WindowFilter(c.NodeID, c.Interval.Start, c.Interval.End, StatusApproved))
	if err != nil {
		return fmt.Errorf("failed to load reservations: %w", err)
	}

	for _, r := range existing {
		if r.ID == c.ID || r.Status != StatusApproved {
			continue
		}
		if r.Interval().Overlaps(c.Interval) {
			return &generic.ConflictError{NodeID: c.NodeID, ConflictingID: r.ID, Interval: r.Interval()}
		}
	}
	return nil
}

func (d *ConflictDetector) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}
