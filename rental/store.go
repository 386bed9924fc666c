package rental

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Persistence contract for nodes, projects and reservations
// =============================================================================

// Store persists rental entities. Getters return (nil, nil) when the row
// does not exist.
type Store interface {
	SaveNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]Node, error)

	SaveProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	SaveMembership(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, projectID, actorID string) (*Membership, error)
	ListMemberships(ctx context.Context, actorID string) ([]Membership, error)

	// SaveReservation inserts or updates status/processing fields.
	SaveReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
}

// TxStore adds serializable write transactions. fn sees a Store bound to the
// transaction; returning an error rolls everything back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ReservationFilter narrows a reservation query. StartsBefore/EndsAfter are
// index prefilters only; callers decide overlap with generic.Interval.Overlaps.
type ReservationFilter struct {
	NodeID       string
	ProjectID    string
	Statuses     []Status
	StartsBefore *time.Time
	EndsAfter    *time.Time
}

// Matches applies the filter to one reservation (used by in-memory stores).
func (f ReservationFilter) Matches(r Reservation) bool {
	if f.NodeID != "" && r.NodeID != f.NodeID {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StartsBefore != nil && !r.Start.Before(*f.StartsBefore) {
		return false
	}
	if f.EndsAfter != nil && !r.End.After(*f.EndsAfter) {
		return false
	}
	return true
}

// WindowFilter prefilters reservations that may overlap window.
func WindowFilter(nodeID string, start, end time.Time, statuses ...Status) ReservationFilter {
	return ReservationFilter{NodeID: nodeID, Statuses: statuses, StartsBefore: &end, EndsAfter: &start}
}
