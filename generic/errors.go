/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place so every caller branches on the same
  taxonomy. Domain packages return the structured errors below; callers
  test them with errors.Is against the sentinels or errors.As for details.

ERROR CATEGORIES:
  1. Validation    - bad input, no state change (block count, lead time,
                     horizon, malformed percentages)
  2. Conflict      - an approved reservation already holds the window;
                     the reservation stays PENDING
  3. Completeness  - no rate / no cost allocation for a billable event;
                     the invoice line is excluded, the run continues
  4. Invariant     - InconsistentSnapshotState; a defect, logged loudly,
                     never repaired by guessing
  5. Access        - missing capability, unknown entity, bad transition

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrConflict = errors.New("conflicting reservation")

	ErrNoRateConfigured = errors.New("no rate configured")

	ErrMissingCostAllocation = errors.New("missing cost allocation")

	// ErrInconsistentSnapshotState means zero or several "current" snapshots
	// were found where exactly one must exist.
	ErrInconsistentSnapshotState = errors.New("inconsistent snapshot state")

	ErrNotFound = errors.New("not found")

	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the entity's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvalidInterval = errors.New("invalid interval: end must be after start")

	// ErrDuplicate is returned by stores when a uniqueness constraint fires.
	ErrDuplicate = errors.New("duplicate record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError names the approved reservation that holds the window.
type ConflictError struct {
	NodeID        string
	ConflictingID string
	Interval      Interval
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %s already reserved by %s during %s", e.NodeID, e.ConflictingID, e.Interval)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type NoRateConfiguredError struct {
	SKUID string
	On    time.Time
}

func (e *NoRateConfiguredError) Error() string {
	return fmt.Sprintf("no rate configured for sku %s on %s", e.SKUID, FormatDate(e.On))
}

func (e *NoRateConfiguredError) Unwrap() error { return ErrNoRateConfigured }

type MissingCostAllocationError struct {
	ProjectID string
	At        time.Time
}

func (e *MissingCostAllocationError) Error() string {
	return fmt.Sprintf("no approved cost allocation for project %s at %s", e.ProjectID, e.At.Format(time.RFC3339))
}

func (e *MissingCostAllocationError) Unwrap() error { return ErrMissingCostAllocation }

type InconsistentSnapshotStateError struct {
	AllocationID string
	Current      int // number of snapshots with superseded_at = null
}

func (e *InconsistentSnapshotStateError) Error() string {
	return fmt.Sprintf("allocation %s has %d current snapshots", e.AllocationID, e.Current)
}

func (e *InconsistentSnapshotStateError) Unwrap() error { return ErrInconsistentSnapshotState }

// TransitionError reports a status change that is not allowed.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError names the capability the actor lacks.
type ForbiddenError struct {
	ActorID    string
	Capability string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s lacks %s capability", e.ActorID, e.Capability)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrInvalidInterval)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDataCompleteness returns true for errors that exclude a single invoice
// line rather than failing a whole run.
func IsDataCompleteness(err error) bool {
	return errors.Is(err, ErrNoRateConfigured) || errors.Is(err, ErrMissingCostAllocation)
}
