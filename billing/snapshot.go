/*
snapshot.go - Cost-allocation snapshots as of an instant

PURPOSE:
  A snapshot is valid over [ApprovedAt, SupersededAt), open-ended while it
  is current. SnapshotAsOf is an interval-containment lookup: the snapshot
  whose validity contains the instant, or MissingCostAllocation. This
  differs from rate resolution ("latest <= date"): an instant before the
  first approval has no snapshot at all.

  A1 approved t1          A1 re-approved t2
        │                        │
  ──────[══════ S1 ══════════════)[══════ S2 ═══════▶
        t1                       t2

INVARIANT:
  At most one snapshot per allocation has SupersededAt == nil. Finding two
  or more is InconsistentSnapshotState: a broken invariant that is logged at
  error level and surfaced, never repaired by picking one.

SEE ALSO:
  - allocation.go: Approve creates and supersedes snapshots
  - generic/effective.go: Containing
*/
package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/noderental/generic"
)

// SnapshotIndex answers containment lookups over a fixed set of snapshots.
type SnapshotIndex struct {
	byAllocation map[string]*generic.EffectiveIndex[Snapshot]
}

// NewSnapshotIndex groups snapshots by allocation. It fails if any
// allocation has more than one current snapshot.
func NewSnapshotIndex(snaps []Snapshot) (*SnapshotIndex, error) {
	grouped := make(map[string][]Snapshot)
	for _, s := range snaps {
		grouped[s.AllocationID] = append(grouped[s.AllocationID], s)
	}
	ix := &SnapshotIndex{byAllocation: make(map[string]*generic.EffectiveIndex[Snapshot], len(grouped))}
	for id, list := range grouped {
		if _, err := currentSnapshot(id, list); err != nil {
			return nil, err
		}
		ix.byAllocation[id] = generic.NewEffectiveIndex(list, func(s Snapshot) time.Time { return s.ApprovedAt })
	}
	return ix, nil
}

// AsOf returns the snapshot of allocationID in force at the instant at.
// projectID is only used to describe a miss.
func (ix *SnapshotIndex) AsOf(allocationID, projectID string, at time.Time) (Snapshot, error) {
	if list, ok := ix.byAllocation[allocationID]; ok {
		if s, found := list.Containing(at, snapshotEnd); found {
			return s, nil
		}
	}
	return Snapshot{}, &generic.MissingCostAllocationError{ProjectID: projectID, At: at}
}

func snapshotEnd(s Snapshot) (time.Time, bool) {
	if s.SupersededAt == nil {
		return time.Time{}, false
	}
	return *s.SupersededAt, true
}

// currentSnapshot returns the one current snapshot, nil if there is none,
// or InconsistentSnapshotStateError if there are several.
func currentSnapshot(allocationID string, snaps []Snapshot) (*Snapshot, error) {
	var current []Snapshot
	for _, s := range snaps {
		if s.Current() {
			current = append(current, s)
		}
	}
	switch len(current) {
	case 0:
		return nil, nil
	case 1:
		return &current[0], nil
	default:
		return nil, &generic.InconsistentSnapshotStateError{AllocationID: allocationID, Current: len(current)}
	}
}

// =============================================================================
// SERVICE QUERIES
// =============================================================================

// SnapshotAsOf resolves the split in force for a project at an instant.
func (s *AllocationService) SnapshotAsOf(ctx context.Context, projectID string, at time.Time) (Snapshot, error) {
	a, err := s.Store.GetAllocationByProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	if a == nil {
		return Snapshot{}, &generic.MissingCostAllocationError{ProjectID: projectID, At: at}
	}
	snaps, err := s.Store.ListSnapshots(ctx, a.ID)
	if err != nil {
		return Snapshot{}, err
	}
	ix, err := NewSnapshotIndex(snaps)
	if err != nil {
		s.logInconsistency(err)
		return Snapshot{}, err
	}
	return ix.AsOf(a.ID, projectID, at)
}

// Snapshots lists a project's snapshot history, oldest first.
func (s *AllocationService) Snapshots(ctx context.Context, projectID string) ([]Snapshot, error) {
	a, err := loadAllocation(ctx, s.Store, projectID)
	if err != nil {
		return nil, err
	}
	return s.Store.ListSnapshots(ctx, a.ID)
}

func (s *AllocationService) logInconsistency(err error) {
	logInconsistency(s.Log, err)
}

func logInconsistency(log *zap.Logger, err error) {
	var ise *generic.InconsistentSnapshotStateError
	if errors.As(err, &ise) {
		log.Error("inconsistent snapshot state",
			zap.String("allocation_id", ise.AllocationID),
			zap.Int("current_snapshots", ise.Current),
			zap.Error(err))
	}
}
