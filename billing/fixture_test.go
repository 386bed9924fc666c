package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
	"github.com/warp/noderental/store/memory"
)

var t0 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *memory.Memory
	rates    *billing.RateService
	allocs   *billing.AllocationService
	periods  *billing.PeriodService
	computer *billing.InvoiceComputer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	clock := generic.FixedClock{At: t0}

	f := &fixture{
		ctx:      ctx,
		store:    store,
		rates:    billing.NewRateService(store, clock, nil, nil),
		allocs:   billing.NewAllocationService(store, clock, nil, nil),
		periods:  billing.NewPeriodService(store, clock, nil, nil),
		computer: billing.NewInvoiceComputer(store, time.UTC, clock, nil),
	}

	require.NoError(t, store.SaveProject(ctx, rental.Project{ID: "p1", Name: "Genomics"}))
	require.NoError(t, store.SaveProject(ctx, rental.Project{ID: "p2", Name: "Climate"}))

	_, err := f.rates.CreateSKU(ctx, billing.CreateSKUInput{ActorID: "admin", CanManageRates: true, ID: "sku-gpu", Name: "GPU node", Kind: billing.KindNodeRental, Unit: billing.UnitHourly})
	require.NoError(t, err)
	_, err = f.rates.CreateSKU(ctx, billing.CreateSKUInput{ActorID: "admin", CanManageRates: true, ID: "sku-maint", Name: "Account maintenance", Kind: billing.KindMaintenance, Unit: billing.UnitMonthly})
	require.NoError(t, err)
	// A SKU saved without the bootstrap placeholder, so nothing resolves.
	require.NoError(t, store.SaveSKU(ctx, billing.SKU{ID: "sku-bare", Name: "Unpriced", Kind: billing.KindNodeRental, Unit: billing.UnitHourly, Active: true}))

	require.NoError(t, store.SaveNode(ctx, rental.Node{ID: "n1", Name: "gpu-01", SKUID: "sku-gpu", Active: true}))
	require.NoError(t, store.SaveNode(ctx, rental.Node{ID: "n3", Name: "legacy-01", SKUID: "sku-bare", Active: true}))
	return f
}

func (f *fixture) at(t time.Time) {
	clock := generic.FixedClock{At: t}
	f.rates.Clock = clock
	f.allocs.Clock = clock
	f.periods.Clock = clock
}

func (f *fixture) addRate(t *testing.T, skuID string, on time.Time, amount string) {
	t.Helper()
	_, err := f.rates.AddRate(f.ctx, billing.AddRateInput{ActorID: "admin", CanManageRates: true, SKUID: skuID, Amount: decimal.RequireFromString(amount), EffectiveDate: on})
	require.NoError(t, err)
}

func co(code, pct string) billing.CostObject {
	return billing.CostObject{Code: code, Percentage: decimal.RequireFromString(pct)}
}

// approveSplit submits and approves a split for projectID at instant at.
func (f *fixture) approveSplit(t *testing.T, projectID string, at time.Time, objects ...billing.CostObject) *billing.Snapshot {
	t.Helper()
	f.at(at)
	_, err := f.allocs.Submit(f.ctx, billing.SubmitInput{ActorID: "owner", CanManageAllocation: true, ProjectID: projectID, CostObjects: objects})
	require.NoError(t, err)
	snap, err := f.allocs.Approve(f.ctx, billing.ReviewInput{ActorID: "finance", CanManageBilling: true, ProjectID: projectID})
	require.NoError(t, err)
	return snap
}

func (f *fixture) reservation(t *testing.T, id, projectID, nodeID string, date time.Time, blocks int, status rental.Status) rental.Reservation {
	t.Helper()
	iv, err := rental.NewDuration(time.UTC).Compute(date, blocks)
	require.NoError(t, err)
	r := rental.Reservation{
		ID: id, NodeID: nodeID, ProjectID: projectID, RequestedBy: "alice",
		Start: iv.Start, End: iv.End, Blocks: blocks, Status: status, CreatedAt: t0,
	}
	require.NoError(t, f.store.SaveReservation(f.ctx, r))
	return r
}

func (f *fixture) period(t *testing.T, from, to time.Time) *billing.InvoicePeriod {
	t.Helper()
	p, err := f.periods.CreatePeriod(f.ctx, billing.CreatePeriodInput{ActorID: "finance", CanManageBilling: true, StartDate: from, EndDate: to})
	require.NoError(t, err)
	return p
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// byCode indexes the lines of one event by cost object.
func byCode(lines []billing.Line, eventID string) map[string]billing.Line {
	out := map[string]billing.Line{}
	for _, l := range lines {
		if l.Event.ID == eventID {
			out[l.CostObject] = l
		}
	}
	return out
}
