// Package rental implements node reservations: turning a booking request
// into a concrete window, validating it against approved reservations, and
// the PENDING -> APPROVED/DECLINED/CANCELLED lifecycle.
package rental

import (
	"time"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// NODES AND PROJECTS
// =============================================================================

// Node is a shared compute node. SKUID points at the node-type rental SKU
// that prices its hours.
type Node struct {
	ID     string
	Name   string
	SKUID  string
	Active bool
}

// Project pays for reservations and owns a cost allocation.
type Project struct {
	ID   string
	Name string
}

// =============================================================================
// RESERVATION
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDeclined  Status = "DECLINED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// Reservation holds a node for [Start, End). Rows are never deleted, only
// status-transitioned.
type Reservation struct {
	ID           string
	NodeID       string
	ProjectID    string
	RequestedBy  string
	Start        time.Time
	End          time.Time
	Blocks       int
	Status       Status
	ManagerNotes string
	ProcessedBy  string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

func (r Reservation) Interval() generic.Interval {
	return generic.Interval{Start: r.Start, End: r.End}
}

// Candidate is a window being checked for conflicts. ID is set when an
// existing reservation is re-validated so it does not conflict with itself.
type Candidate struct {
	ID       string
	NodeID   string
	Interval generic.Interval
}

func (r Reservation) Candidate() Candidate {
	return Candidate{ID: r.ID, NodeID: r.NodeID, Interval: r.Interval()}
}
