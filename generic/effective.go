/*
effective.go - Sorted index over effective-dated records

PURPOSE:
  Rates and cost-allocation snapshots are both histories of records that
  take effect at a point in time. Two lookups are asked of them:

    LatestAtOrBefore(t)  "which record was in effect at t?" for records that
                         stay in effect until a later record arrives (rates).
    Containing(t, end)   "which record's [start, end) window holds t?" for
                         records that carry their own end (snapshots, whose
                         superseded_at closes the window).

  Both are answered by the same arena: records sorted by start, searched
  with a binary search. The second is the first plus an end check, so a
  gap between windows resolves to "none" instead of to a stale record.

EXAMPLE:
  ix := NewEffectiveIndex(rates, func(r Rate) time.Time { return r.EffectiveDate })
  rate, ok := ix.LatestAtOrBefore(Date(2024, time.July, 1))

SEE ALSO:
  - billing/rate.go: RateResolver
  - billing/snapshot.go: SnapshotAsOf
*/
package generic

import (
	"sort"
	"time"
)

// EffectiveIndex is an immutable arena of records ordered by effective start.
type EffectiveIndex[T any] struct {
	records []T
	starts  []time.Time
}

// NewEffectiveIndex copies records and sorts them by start. Records with
// equal starts keep their input order.
func NewEffectiveIndex[T any](records []T, start func(T) time.Time) *EffectiveIndex[T] {
	sorted := make([]T, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return start(sorted[i]).Before(start(sorted[j]))
	})

	starts := make([]time.Time, len(sorted))
	for i, r := range sorted {
		starts[i] = start(r)
	}
	return &EffectiveIndex[T]{records: sorted, starts: starts}
}

func (ix *EffectiveIndex[T]) Len() int { return len(ix.records) }

// Records returns the records in start order.
func (ix *EffectiveIndex[T]) Records() []T {
	out := make([]T, len(ix.records))
	copy(out, ix.records)
	return out
}

// LatestAtOrBefore returns the record with the greatest start <= at.
func (ix *EffectiveIndex[T]) LatestAtOrBefore(at time.Time) (T, bool) {
	i := ix.search(at)
	if i < 0 {
		var zero T
		return zero, false
	}
	return ix.records[i], true
}

// Containing returns the record whose [start, end) window contains at.
// end reports the record's exclusive end, or false when it is open-ended.
func (ix *EffectiveIndex[T]) Containing(at time.Time, end func(T) (time.Time, bool)) (T, bool) {
	var zero T
	i := ix.search(at)
	if i < 0 {
		return zero, false
	}
	r := ix.records[i]
	if e, bounded := end(r); bounded && !at.Before(e) {
		return zero, false
	}
	return r, true
}

// search finds the index of the last start <= at, or -1.
func (ix *EffectiveIndex[T]) search(at time.Time) int {
	n := sort.Search(len(ix.starts), func(i int) bool {
		return ix.starts[i].After(at)
	})
	return n - 1
}
