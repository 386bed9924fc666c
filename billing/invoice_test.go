package billing_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

func march(day int) time.Time { return generic.Date(2025, time.March, day) }

type invoiceRecorder struct {
	mu       sync.Mutex
	runs     int
	excluded map[string]int
}

func (r *invoiceRecorder) InvoiceComputed(time.Duration, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
}

func (r *invoiceRecorder) LineExcluded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.excluded == nil {
		r.excluded = map[string]int{}
	}
	r.excluded[reason]++
}

func TestInvoice_EndToEndFourBlocks(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "60"), co("CO-B", "40"))

	// GIVEN: n=4 on March 10 -> [Mar 10 16:00, Mar 12 09:00), 41 hours
	f.reservation(t, "r1", "p1", "n1", march(10), 4, rental.StatusApproved)
	p := f.period(t, march(1), march(31))

	// WHEN
	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)

	// THEN
	require.Len(t, inv.Lines, 2)
	assert.Empty(t, inv.Exclusions)
	lines := byCode(inv.Lines, "r1")
	assert.True(t, dec("41").Equal(lines["CO-A"].Quantity))
	assert.True(t, dec("10").Equal(lines["CO-A"].Rate))
	assert.True(t, dec("410").Equal(lines["CO-A"].Charge))
	assert.True(t, dec("246").Equal(lines["CO-A"].Amount))
	assert.True(t, dec("164").Equal(lines["CO-B"].Amount))
	assert.Equal(t, march(10), lines["CO-A"].EventDate)
	assert.Equal(t, billing.UnitHourly, lines["CO-A"].Unit)

	require.Len(t, inv.Totals, 1)
	assert.True(t, dec("410").Equal(inv.Totals[0].Total))
	assert.True(t, dec("410").Equal(inv.Total))
}

func TestInvoice_BoundaryProrationAndRateDate(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.addRate(t, "sku-gpu", generic.Date(2025, time.April, 1), "12.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "100"))

	// GIVEN: [Mar 31 16:00, Apr 1 09:00) straddles the month boundary
	f.reservation(t, "r-edge", "p1", "n1", march(31), 2, rental.StatusApproved)
	marchPeriod := f.period(t, march(1), march(31))
	aprilPeriod := f.period(t, generic.Date(2025, time.April, 1), generic.Date(2025, time.April, 30))

	// THEN: March bills 8 hours
	inv, err := f.computer.Compute(f.ctx, marchPeriod.ID)
	require.NoError(t, err)
	require.Len(t, inv.Lines, 1)
	assert.True(t, dec("8").Equal(inv.Lines[0].Quantity))
	assert.True(t, dec("80").Equal(inv.Lines[0].Amount))

	// AND: April bills the other 9 at the rate of the start date
	inv, err = f.computer.Compute(f.ctx, aprilPeriod.ID)
	require.NoError(t, err)
	require.Len(t, inv.Lines, 1)
	assert.True(t, dec("9").Equal(inv.Lines[0].Quantity))
	assert.True(t, dec("10").Equal(inv.Lines[0].Rate))
	assert.True(t, dec("90").Equal(inv.Lines[0].Amount))
}

func TestInvoice_SnapshotAtEventTime(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	s1 := f.approveSplit(t, "p1", t0, co("CO-A", "60"), co("CO-B", "40"))
	s2 := f.approveSplit(t, "p1", march(20), co("CO-A", "50"), co("CO-C", "50"))

	f.reservation(t, "r-early", "p1", "n1", march(10), 4, rental.StatusApproved)
	f.reservation(t, "r-late", "p1", "n1", march(25), 1, rental.StatusApproved)
	p := f.period(t, march(1), march(31))

	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)

	early := byCode(inv.Lines, "r-early")
	require.Len(t, early, 2)
	assert.Equal(t, s1.ID, early["CO-A"].SnapshotID)
	assert.True(t, dec("164").Equal(early["CO-B"].Amount))

	late := byCode(inv.Lines, "r-late")
	require.Len(t, late, 2)
	assert.Equal(t, s2.ID, late["CO-C"].SnapshotID)
	assert.True(t, dec("60").Equal(late["CO-A"].Amount))
	assert.True(t, dec("60").Equal(late["CO-C"].Amount))

	// Lines are grouped by project, then cost object, then event date
	var order []string
	for _, l := range inv.Lines {
		order = append(order, l.CostObject+"/"+l.Event.ID)
	}
	assert.Equal(t, []string{"CO-A/r-early", "CO-A/r-late", "CO-B/r-early", "CO-C/r-late"}, order)
}

func TestInvoice_ExclusionsDoNotAbortTheRun(t *testing.T) {
	f := newFixture(t)
	recorder := &invoiceRecorder{}
	f.computer.Metrics = recorder
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "100"))

	f.reservation(t, "r-ok", "p1", "n1", march(10), 1, rental.StatusApproved)
	f.reservation(t, "r-norate", "p1", "n3", march(10), 1, rental.StatusApproved)
	f.reservation(t, "r-noalloc", "p2", "n1", march(12), 1, rental.StatusApproved)
	f.reservation(t, "r-pending", "p1", "n1", march(14), 1, rental.StatusPending)
	f.reservation(t, "r-declined", "p1", "n1", march(16), 1, rental.StatusDeclined)
	p := f.period(t, march(1), march(31))

	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)

	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "r-ok", inv.Lines[0].Event.ID)
	assert.True(t, dec("120").Equal(inv.Total))

	require.Len(t, inv.Exclusions, 2)
	assert.Equal(t, "r-norate", inv.Exclusions[0].Event.ID)
	assert.True(t, errors.Is(inv.Exclusions[0].Err, generic.ErrNoRateConfigured))
	assert.Equal(t, "no_rate_configured", inv.Exclusions[0].Kind())
	assert.Equal(t, "r-noalloc", inv.Exclusions[1].Event.ID)
	assert.True(t, errors.Is(inv.Exclusions[1].Err, generic.ErrMissingCostAllocation))

	require.Len(t, inv.Totals, 2)
	assert.Equal(t, "p1", inv.Totals[0].ProjectID)
	assert.Equal(t, 1, inv.Totals[0].Exclusions)
	assert.Equal(t, "p2", inv.Totals[1].ProjectID)
	assert.True(t, inv.Totals[1].Total.IsZero())

	assert.Equal(t, 1, recorder.runs)
	assert.Equal(t, 1, recorder.excluded["no_rate_configured"])
	assert.Equal(t, 1, recorder.excluded["missing_cost_allocation"])
}

func TestInvoice_ReservationBeforeFirstApprovalIsExcluded(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.reservation(t, "r1", "p1", "n1", march(10), 1, rental.StatusApproved)
	f.approveSplit(t, "p1", march(11), co("CO-A", "100"))
	p := f.period(t, march(1), march(31))

	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, inv.Lines)
	require.Len(t, inv.Exclusions, 1)
	assert.Equal(t, "missing_cost_allocation", inv.Exclusions[0].Kind())
}

func TestInvoice_MaintenanceSubscription(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-maint", generic.Date(2025, time.January, 1), "500.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "60"), co("CO-B", "40"))

	start := march(16)
	sub, err := f.periods.Subscribe(f.ctx, billing.SubscribeInput{ActorID: "finance", CanManageBilling: true, ProjectID: "p1", SKUID: "sku-maint", StartDate: start})
	require.NoError(t, err)

	ended := generic.Date(2025, time.February, 28)
	_, err = f.periods.Subscribe(f.ctx, billing.SubscribeInput{ActorID: "finance", CanManageBilling: true, ProjectID: "p1", SKUID: "sku-maint", StartDate: generic.Date(2025, time.January, 1), EndDate: &ended})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSubscription(f.ctx, billing.Subscription{ID: "inactive", ProjectID: "p1", SKUID: "sku-maint", Status: billing.SubscriptionInactive, StartDate: t0}))

	_, err = f.periods.Subscribe(f.ctx, billing.SubscribeInput{ActorID: "finance", CanManageBilling: true, ProjectID: "p1", SKUID: "sku-gpu", StartDate: start})
	assert.ErrorIs(t, err, generic.ErrValidation, "rental SKUs are not subscriptions")

	p := f.period(t, march(1), march(31))

	// WHEN: billed as a full period (default)
	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)
	lines := byCode(inv.Lines, sub.ID)
	require.Len(t, inv.Lines, 2, "only the active, overlapping subscription")
	assert.True(t, dec("300").Equal(lines["CO-A"].Amount))
	assert.True(t, dec("200").Equal(lines["CO-B"].Amount))
	assert.Equal(t, billing.UnitMonthly, lines["CO-A"].Unit)

	// WHEN: prorated by active days, 16 of 31
	f.computer.ProrateMaintenance = true
	inv, err = f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)
	lines = byCode(inv.Lines, sub.ID)
	assert.True(t, dec("258.06").Equal(lines["CO-A"].Charge))
	assert.True(t, dec("154.84").Equal(lines["CO-A"].Amount))
	assert.True(t, dec("103.22").Equal(lines["CO-B"].Amount))
}

func TestInvoice_OverridesPersistAcrossRecomputation(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "60"), co("CO-B", "40"))
	f.reservation(t, "r1", "p1", "n1", march(10), 4, rental.StatusApproved)
	p := f.period(t, march(1), march(31))
	ref := billing.EventRef{Kind: billing.EventReservation, ID: "r1"}

	// GIVEN: an amount-only override
	_, err := f.periods.SetOverride(f.ctx, billing.OverrideInput{ActorID: "finance", CanManageBilling: true, PeriodID: p.ID, Event: ref, Amount: dec("400"), Reason: "goodwill"})
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		inv, err := f.computer.Compute(f.ctx, p.ID)
		require.NoError(t, err)
		lines := byCode(inv.Lines, "r1")
		assert.True(t, lines["CO-A"].Overridden)
		assert.Equal(t, "goodwill", lines["CO-A"].OverrideReason)
		assert.True(t, dec("240").Equal(lines["CO-A"].Amount), "run %d", run)
		assert.True(t, dec("160").Equal(lines["CO-B"].Amount), "run %d", run)
		assert.True(t, dec("246").Equal(lines["CO-A"].ComputedAmount))
		assert.True(t, dec("400").Equal(inv.Total))
	}

	// WHEN: replaced by an explicit split onto a single cost object
	_, err = f.periods.SetOverride(f.ctx, billing.OverrideInput{
		ActorID: "finance", CanManageBilling: true, PeriodID: p.ID, Event: ref, Amount: dec("400"),
		Split:  []billing.Share{{Code: "CO-A", Amount: dec("400")}},
		Reason: "all on CO-A",
	})
	require.NoError(t, err)

	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)
	lines := byCode(inv.Lines, "r1")
	require.Len(t, lines, 2)
	assert.True(t, dec("400").Equal(lines["CO-A"].Amount))
	assert.True(t, lines["CO-B"].Amount.IsZero())
	assert.True(t, dec("164").Equal(lines["CO-B"].ComputedAmount))

	overrides, err := f.periods.ListOverrides(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, overrides, 1, "one override per event and period")
}

func TestInvoice_UnknownPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.computer.Compute(f.ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
