package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

var t0 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := New()
	require.NoError(t, m.SaveSKU(ctx, billing.SKU{ID: "sku-gpu", Kind: billing.KindNodeRental, Unit: billing.UnitHourly, Active: true}))
	require.NoError(t, m.SaveNode(ctx, rental.Node{ID: "n1", SKUID: "sku-gpu", Active: true}))
	require.NoError(t, m.SaveProject(ctx, rental.Project{ID: "p1", Name: "Genomics"}))
	return m
}

func TestMemory_WriteTxRollsBackOnError(t *testing.T) {
	// GIVEN: A store with one node
	ctx := context.Background()
	m := seeded(t)
	boom := errors.New("boom")

	// WHEN: A transaction saves a reservation and then fails
	err := m.WithTx(ctx, func(s rental.Store) error {
		require.NoError(t, s.SaveReservation(ctx, rental.Reservation{
			ID: "r1", NodeID: "n1", ProjectID: "p1",
			Start: t0, End: t0.Add(12 * time.Hour), Status: rental.StatusPending,
		}))
		return boom
	})

	// THEN: The error is returned and nothing was kept
	assert.ErrorIs(t, err, boom)
	got, err := m.GetReservation(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_ReservationConstraints(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	// Empty interval
	err := m.SaveReservation(ctx, rental.Reservation{ID: "r1", NodeID: "n1", ProjectID: "p1", Start: t0, End: t0})
	assert.ErrorIs(t, err, generic.ErrInvalidInterval)

	// Unknown node
	err = m.SaveReservation(ctx, rental.Reservation{ID: "r2", NodeID: "nope", ProjectID: "p1", Start: t0, End: t0.Add(time.Hour)})
	assert.True(t, generic.IsNotFound(err))
}

func TestMemory_RatesUniquePerDate(t *testing.T) {
	// GIVEN: A rate effective on a date
	ctx := context.Background()
	m := seeded(t)
	on := generic.Date(2025, time.March, 1)
	require.NoError(t, m.InsertRate(ctx, billing.Rate{ID: "rt1", SKUID: "sku-gpu", Amount: decimal.NewFromInt(10), EffectiveDate: on}))

	// WHEN: A second rate is inserted for the same SKU and date
	err := m.InsertRate(ctx, billing.Rate{ID: "rt2", SKUID: "sku-gpu", Amount: decimal.NewFromInt(11), EffectiveDate: on})

	// THEN: It is rejected and the first rate is untouched
	assert.ErrorIs(t, err, generic.ErrDuplicate)
	rates, err := m.ListRates(ctx, "sku-gpu")
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.True(t, rates[0].Amount.Equal(decimal.NewFromInt(10)))
}

func TestMemory_OneCurrentSnapshot(t *testing.T) {
	// GIVEN: An allocation with a current snapshot
	ctx := context.Background()
	m := seeded(t)
	require.NoError(t, m.SaveAllocation(ctx, billing.CostAllocation{ID: "a1", ProjectID: "p1", Status: billing.AllocationApproved}))
	objects := []billing.CostObject{{Code: "CO-1", Percentage: decimal.NewFromInt(100)}}
	require.NoError(t, m.InsertSnapshot(ctx, billing.Snapshot{ID: "s1", AllocationID: "a1", ApprovedAt: t0, CostObjects: objects}))

	// WHEN: A second current snapshot is inserted without superseding
	err := m.InsertSnapshot(ctx, billing.Snapshot{ID: "s2", AllocationID: "a1", ApprovedAt: t0.Add(time.Hour), CostObjects: objects})

	// THEN: It is rejected
	assert.ErrorIs(t, err, generic.ErrDuplicate)

	// WHEN: The first is superseded, then the second inserted
	require.NoError(t, m.SupersedeSnapshot(ctx, "s1", t0.Add(time.Hour)))
	require.NoError(t, m.InsertSnapshot(ctx, billing.Snapshot{ID: "s2", AllocationID: "a1", ApprovedAt: t0.Add(time.Hour), CostObjects: objects}))

	// THEN: Superseding twice is an invalid transition
	assert.ErrorIs(t, m.SupersedeSnapshot(ctx, "s1", t0.Add(2*time.Hour)), generic.ErrInvalidTransition)

	snaps, err := m.ListSnapshots(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].Current())
	assert.True(t, snaps[1].Current())
}

func TestMemory_ReturnedCostObjectsAreCopies(t *testing.T) {
	// GIVEN: A stored snapshot
	ctx := context.Background()
	m := seeded(t)
	require.NoError(t, m.SaveAllocation(ctx, billing.CostAllocation{ID: "a1", ProjectID: "p1"}))
	require.NoError(t, m.InsertSnapshot(ctx, billing.Snapshot{
		ID: "s1", AllocationID: "a1", ApprovedAt: t0,
		CostObjects: []billing.CostObject{{Code: "CO-1", Percentage: decimal.NewFromInt(100)}},
	}))

	// WHEN: A caller mutates what it read
	snaps, err := m.ListSnapshots(ctx, "a1")
	require.NoError(t, err)
	snaps[0].CostObjects[0].Code = "MUTATED"

	// THEN: The stored snapshot is unchanged
	again, err := m.ListSnapshots(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "CO-1", again[0].CostObjects[0].Code)
}

func TestMemory_ReadSnapshotHoldsOffWriters(t *testing.T) {
	// GIVEN: A store with one rate
	ctx := context.Background()
	m := seeded(t)
	require.NoError(t, m.InsertRate(ctx, billing.Rate{ID: "rt1", SKUID: "sku-gpu", Amount: decimal.NewFromInt(10), EffectiveDate: t0}))

	done := make(chan error, 1)
	var first, second []billing.Rate

	// WHEN: A writer starts while a snapshot is being read
	err := m.ReadSnapshot(ctx, func(tx billing.Store) error {
		var err error
		if first, err = tx.ListRates(ctx, "sku-gpu"); err != nil {
			return err
		}
		go func() {
			done <- m.WithBillingTx(ctx, func(w billing.Store) error {
				return w.InsertRate(ctx, billing.Rate{ID: "rt2", SKUID: "sku-gpu", Amount: decimal.NewFromInt(12), EffectiveDate: t0.AddDate(0, 0, 10)})
			})
		}()
		time.Sleep(20 * time.Millisecond)

		select {
		case <-done:
			t.Error("writer committed inside a read snapshot")
		default:
		}
		second, err = tx.ListRates(ctx, "sku-gpu")
		return err
	})
	require.NoError(t, err)

	// THEN: Both reads agree and the write lands once the snapshot ends
	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	require.NoError(t, <-done)
	after, err := m.ListRates(ctx, "sku-gpu")
	require.NoError(t, err)
	assert.Len(t, after, 2)
}
