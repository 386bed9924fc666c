/*
invoice.go - Invoice computation for one period

PURPOSE:
  Turns approved reservations and active maintenance subscriptions that
  touch a period into apportioned invoice lines.

PIPELINE:
  ┌──────────────────────────────────────────────────────────────────────┐
  │ ReadSnapshot (one stable view)                                       │
  │   period, APPROVED reservations, subscriptions, nodes, rates,        │
  │   allocations, snapshots, overrides                                  │
  └──────────────────────────────────────────────────────────────────────┘
                │ per project (errgroup, bounded)
                ▼
    event ──▶ Resolve(rate) ──▶ charge ──▶ SnapshotAsOf ──▶ Apportion
                 │                             │                │
                 └─ NoRateConfigured ──────────┴─ Missing... ───┴─▶ Exclusion
                                                                │
                                                      override? ▼
                                                              Lines

CHARGES:
  - Reservation: hours of (reservation ∩ period) × rate on the
    reservation's start date. Boundary-straddling reservations are billed
    only for the part inside the period.
  - Subscription: one full period at the rate on the period start. With
    ProrateMaintenance, the fee is scaled by active days / period days.

EVENT INSTANTS:
  The snapshot is looked up at the reservation's start instant, or at the
  period start for subscriptions.

OVERRIDES:
  Stored per (period, event) and re-applied on every computation. The
  computed share stays on the line as ComputedAmount.

SEE ALSO:
  - rate.go, snapshot.go
  - generic/types.go: Apportion
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

// =============================================================================
// OUTPUT TYPES
// =============================================================================

// Line is one cost object's share of one billable event.
type Line struct {
	ProjectID      string
	CostObject     string
	Event          EventRef
	EventDate      time.Time // date the rate was resolved for
	SKUID          string
	NodeID         string
	Quantity       decimal.Decimal // hours, or fraction of the period
	Unit           BillingUnit
	Rate           decimal.Decimal
	Charge         decimal.Decimal // whole-event charge after any override
	Percentage     decimal.Decimal
	Amount         decimal.Decimal
	ComputedAmount decimal.Decimal
	Overridden     bool
	OverrideReason string
	SnapshotID     string
}

// Exclusion is a billable event that could not be priced or apportioned.
type Exclusion struct {
	ProjectID string
	Event     EventRef
	EventDate time.Time
	Reason    string
	Err       error
}

type ProjectTotal struct {
	ProjectID  string
	Total      decimal.Decimal
	Exclusions int
}

type Invoice struct {
	Period     InvoicePeriod
	ComputedAt time.Time
	Lines      []Line
	Exclusions []Exclusion
	Totals     []ProjectTotal
	Total      decimal.Decimal
}

// InvoiceRecorder receives per-run metrics. Optional.
type InvoiceRecorder interface {
	InvoiceComputed(elapsed time.Duration, lines, exclusions int)
	LineExcluded(reason string)
}

// =============================================================================
// COMPUTER
// =============================================================================

type InvoiceComputer struct {
	Store              TxStore
	Location           *time.Location
	ProrateMaintenance bool
	Workers            int
	Clock              generic.Clock
	Metrics            InvoiceRecorder
	Log                *zap.Logger
}

func NewInvoiceComputer(store TxStore, loc *time.Location, clock generic.Clock, log *zap.Logger) *InvoiceComputer {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InvoiceComputer{
		Store:    store,
		Location: loc,
		Workers:  4,
		Clock:    clock,
		Log:      log.Named("billing.invoices"),
	}
}

// event is a billable occurrence before pricing.
type event struct {
	ref       EventRef
	projectID string
	skuID     string
	nodeID    string
	rateDate  time.Time
	at        time.Time
	quantity  decimal.Decimal
	// scale multiplies rate×quantity; used for prorated subscriptions
	scale decimal.Decimal
}

// runData is everything one run reads, loaded in one read transaction.
type runData struct {
	period       InvoicePeriod
	reservations []rental.Reservation
	subs         []Subscription
	nodes        map[string]rental.Node
	skus         map[string]SKU
	allocations  map[string]CostAllocation
	rates        *RateResolver
	snapshots    *SnapshotIndex
	overrides    map[EventRef]Override
}

// Compute builds the invoice for periodID. Data-completeness problems
// become exclusions; only storage failures and broken invariants abort.
func (c *InvoiceComputer) Compute(ctx context.Context, periodID string) (*Invoice, error) {
	started := time.Now()

	data, err := c.load(ctx, periodID)
	if err != nil {
		logInconsistency(c.Log, err)
		return nil, err
	}

	events := c.events(data)
	projects := make([]string, 0, len(events))
	for p := range events {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	type result struct {
		lines      []Line
		exclusions []Exclusion
	}
	results := make([]result, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	if c.Workers > 0 {
		g.SetLimit(c.Workers)
	}
	for i, projectID := range projects {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lines, excl := c.project(data, events[projectID])
			results[i] = result{lines: lines, exclusions: excl}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inv := &Invoice{Period: data.period, ComputedAt: c.Clock.Now(), Total: decimal.Zero}
	for _, r := range results {
		inv.Lines = append(inv.Lines, r.lines...)
		inv.Exclusions = append(inv.Exclusions, r.exclusions...)
	}
	sortLines(inv.Lines)
	sort.SliceStable(inv.Exclusions, func(i, j int) bool {
		a, b := inv.Exclusions[i], inv.Exclusions[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		return a.Event.String() < b.Event.String()
	})
	inv.Totals, inv.Total = totals(projects, inv.Lines, inv.Exclusions)

	elapsed := time.Since(started)
	if c.Metrics != nil {
		c.Metrics.InvoiceComputed(elapsed, len(inv.Lines), len(inv.Exclusions))
		for _, e := range inv.Exclusions {
			c.Metrics.LineExcluded(exclusionKind(e.Err))
		}
	}
	c.Log.Info("invoice computed",
		zap.String("period_id", periodID),
		zap.Int("lines", len(inv.Lines)),
		zap.Int("exclusions", len(inv.Exclusions)),
		zap.String("total", inv.Total.StringFixed(generic.MoneyPlaces)),
		zap.Duration("elapsed", elapsed))
	return inv, nil
}

func (c *InvoiceComputer) load(ctx context.Context, periodID string) (*runData, error) {
	data := &runData{
		nodes:       make(map[string]rental.Node),
		skus:        make(map[string]SKU),
		allocations: make(map[string]CostAllocation),
		overrides:   make(map[EventRef]Override),
	}
	err := c.Store.ReadSnapshot(ctx, func(tx Store) error {
		p, err := tx.GetPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		if p == nil {
			return &generic.NotFoundError{Entity: "invoice_period", ID: periodID}
		}
		data.period = *p
		window := p.Interval(c.Location)

		if data.reservations, err = tx.ListReservations(ctx, rental.ReservationFilter{
			Statuses:     []rental.Status{rental.StatusApproved},
			StartsBefore: &window.End,
			EndsAfter:    &window.Start,
		}); err != nil {
			return fmt.Errorf("failed to load reservations: %w", err)
		}
		if data.subs, err = tx.ListSubscriptions(ctx); err != nil {
			return fmt.Errorf("failed to load subscriptions: %w", err)
		}

		nodes, err := tx.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("failed to load nodes: %w", err)
		}
		for _, n := range nodes {
			data.nodes[n.ID] = n
		}
		skus, err := tx.ListSKUs(ctx)
		if err != nil {
			return fmt.Errorf("failed to load skus: %w", err)
		}
		for _, s := range skus {
			data.skus[s.ID] = s
		}
		allocs, err := tx.ListAllocations(ctx)
		if err != nil {
			return fmt.Errorf("failed to load allocations: %w", err)
		}
		for _, a := range allocs {
			data.allocations[a.ProjectID] = a
		}

		rates, err := tx.ListRates(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to load rates: %w", err)
		}
		data.rates = NewRateResolver(rates)

		snaps, err := tx.ListSnapshots(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to load snapshots: %w", err)
		}
		if data.snapshots, err = NewSnapshotIndex(snaps); err != nil {
			return err
		}

		overrides, err := tx.ListOverrides(ctx, periodID)
		if err != nil {
			return fmt.Errorf("failed to load overrides: %w", err)
		}
		for _, o := range overrides {
			data.overrides[o.Event] = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// events groups billable events by paying project.
func (c *InvoiceComputer) events(data *runData) map[string][]event {
	window := data.period.Interval(c.Location)
	out := make(map[string][]event)

	for _, r := range data.reservations {
		if r.Status != rental.StatusApproved {
			continue
		}
		overlap, ok := r.Interval().Intersect(window)
		if !ok {
			continue
		}
		out[r.ProjectID] = append(out[r.ProjectID], event{
			ref:       EventRef{Kind: EventReservation, ID: r.ID},
			projectID: r.ProjectID,
			skuID:     data.nodes[r.NodeID].SKUID,
			nodeID:    r.NodeID,
			rateDate:  r.Start.In(c.Location),
			at:        r.Start,
			quantity:  overlap.Hours(),
			scale:     decimal.NewFromInt(1),
		})
	}

	periodDays := int64(generic.DaysBetween(data.period.StartDate, data.period.EndDate) + 1)
	for _, s := range data.subs {
		if s.Status != SubscriptionActive {
			continue
		}
		overlap, ok := s.ActiveWindow(c.Location).Intersect(window)
		if !ok {
			continue
		}
		ev := event{
			ref:       EventRef{Kind: EventSubscription, ID: s.ID},
			projectID: s.ProjectID,
			skuID:     s.SKUID,
			rateDate:  data.period.StartDate,
			at:        window.Start,
			quantity:  decimal.NewFromInt(1),
			scale:     decimal.NewFromInt(1),
		}
		if c.ProrateMaintenance {
			activeDays := int64(generic.DaysBetween(overlap.Start.In(c.Location), overlap.End.In(c.Location)))
			ev.scale = decimal.NewFromInt(activeDays).Div(decimal.NewFromInt(periodDays))
			ev.quantity = ev.scale.Round(4)
		}
		out[s.ProjectID] = append(out[s.ProjectID], ev)
	}
	return out
}

// project prices and apportions one project's events. It touches only
// read-only run data, so projects run in parallel.
func (c *InvoiceComputer) project(data *runData, events []event) ([]Line, []Exclusion) {
	var lines []Line
	var exclusions []Exclusion
	exclude := func(ev event, err error) {
		exclusions = append(exclusions, Exclusion{
			ProjectID: ev.projectID,
			Event:     ev.ref,
			EventDate: calendarDate(ev.rateDate),
			Reason:    err.Error(),
			Err:       err,
		})
	}

	for _, ev := range events {
		rate, err := data.rates.Resolve(ev.skuID, ev.rateDate)
		if err != nil {
			exclude(ev, err)
			continue
		}
		charge := generic.RoundMoney(ev.quantity.Mul(rate.Amount))
		if ev.ref.Kind == EventSubscription {
			charge = generic.RoundMoney(rate.Amount.Mul(ev.scale))
		}

		alloc, ok := data.allocations[ev.projectID]
		if !ok {
			exclude(ev, &generic.MissingCostAllocationError{ProjectID: ev.projectID, At: ev.at})
			continue
		}
		snap, err := data.snapshots.AsOf(alloc.ID, ev.projectID, ev.at)
		if err != nil {
			exclude(ev, err)
			continue
		}
		computed, err := generic.Apportion(charge, snap.Percentages())
		if err != nil {
			exclude(ev, err)
			continue
		}

		base := Line{
			ProjectID:  ev.projectID,
			Event:      ev.ref,
			EventDate:  calendarDate(ev.rateDate),
			SKUID:      ev.skuID,
			NodeID:     ev.nodeID,
			Quantity:   ev.quantity,
			Unit:       data.skus[ev.skuID].Unit,
			Rate:       rate.Amount,
			Charge:     charge,
			SnapshotID: snap.ID,
		}

		override, has := data.overrides[ev.ref]
		if !has {
			for i, co := range snap.CostObjects {
				l := base
				l.CostObject = co.Code
				l.Percentage = co.Percentage
				l.Amount = computed[i]
				l.ComputedAmount = computed[i]
				lines = append(lines, l)
			}
			continue
		}

		overridden, err := applyOverride(base, snap, computed, override)
		if err != nil {
			exclude(ev, err)
			continue
		}
		lines = append(lines, overridden...)
	}
	return lines, exclusions
}

// applyOverride substitutes the manager's amount or split. Cost objects that
// only appear on one side keep a zero on the other.
func applyOverride(base Line, snap Snapshot, computed []decimal.Decimal, o Override) ([]Line, error) {
	base.Charge = generic.RoundMoney(o.Amount)
	base.Overridden = true
	base.OverrideReason = o.Reason

	split := o.Split
	if len(split) == 0 {
		amounts, err := generic.Apportion(o.Amount, snap.Percentages())
		if err != nil {
			return nil, err
		}
		split = make([]Share, len(snap.CostObjects))
		for i, co := range snap.CostObjects {
			split[i] = Share{Code: co.Code, Amount: amounts[i]}
		}
	}

	computedByCode := make(map[string]decimal.Decimal, len(snap.CostObjects))
	pctByCode := make(map[string]decimal.Decimal, len(snap.CostObjects))
	for i, co := range snap.CostObjects {
		computedByCode[co.Code] = computed[i]
		pctByCode[co.Code] = co.Percentage
	}

	var lines []Line
	seen := make(map[string]bool, len(split))
	for _, sh := range split {
		l := base
		l.CostObject = sh.Code
		l.Percentage = pctByCode[sh.Code]
		l.Amount = generic.RoundMoney(sh.Amount)
		l.ComputedAmount = computedByCode[sh.Code]
		seen[sh.Code] = true
		lines = append(lines, l)
	}
	for _, co := range snap.CostObjects {
		if seen[co.Code] {
			continue
		}
		l := base
		l.CostObject = co.Code
		l.Percentage = co.Percentage
		l.Amount = decimal.Zero
		l.ComputedAmount = computedByCode[co.Code]
		lines = append(lines, l)
	}
	return lines, nil
}

// calendarDate keeps the wall-clock date of t as a UTC date so event dates
// from different sources compare equal.
func calendarDate(t time.Time) time.Time {
	return generic.Date(t.Year(), t.Month(), t.Day())
}

func sortLines(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if a.CostObject != b.CostObject {
			return a.CostObject < b.CostObject
		}
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		return a.Event.String() < b.Event.String()
	})
}

func totals(projects []string, lines []Line, exclusions []Exclusion) ([]ProjectTotal, decimal.Decimal) {
	byProject := make(map[string]*ProjectTotal, len(projects))
	out := make([]ProjectTotal, len(projects))
	for i, p := range projects {
		out[i] = ProjectTotal{ProjectID: p, Total: decimal.Zero}
		byProject[p] = &out[i]
	}
	grand := decimal.Zero
	for _, l := range lines {
		t := byProject[l.ProjectID]
		t.Total = t.Total.Add(l.Amount)
		grand = grand.Add(l.Amount)
	}
	for _, e := range exclusions {
		byProject[e.ProjectID].Exclusions++
	}
	return out, grand
}

func exclusionKind(err error) string {
	switch {
	case errors.Is(err, generic.ErrNoRateConfigured):
		return "no_rate_configured"
	case errors.Is(err, generic.ErrMissingCostAllocation):
		return "missing_cost_allocation"
	default:
		return "invalid"
	}
}

// ExclusionKind classifies an exclusion for reports.
func (e Exclusion) Kind() string { return exclusionKind(e.Err) }
