/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario applies the demo catalog (SKUs, rates,
	nodes, projects, members) and then adds reservations, cost allocations
	and invoice periods that exercise a specific billing feature.

AVAILABLE SCENARIOS:

	catalog:          Fleet, price list and projects only
	monthly-invoice:  Last month's usage for three projects, one of them
	                  without a cost allocation, plus a pending request
	split-change:     A cost split re-approved mid-month; reservations on
	                  either side of the change are apportioned differently

HOW SCENARIOS WORK:
 1. Apply the demo catalog (idempotent, see factory.CatalogFactory.Apply)
 2. Save reservations with fixed IDs; existing IDs are skipped
 3. Submit and approve allocations at fixed instants so snapshots have a
    history; projects that already have an allocation are skipped
 4. Create the month period for last month unless it exists

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "monthly-invoice"}

NOTE:

	Scenarios never delete data. Loading the same scenario twice is a no-op.
	Dates are relative to the current month so invoices always have data.

SEE ALSO:
  - handlers.go: Handler
  - factory/catalog.go: Catalog JSON schema
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

// ScenarioActor is recorded as the author of scenario data.
const ScenarioActor = "system:scenario"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "catalog",
		Name:        "Catalog only",
		Description: "GPU and CPU nodes, hourly rates, a monthly maintenance SKU and four projects",
	},
	{
		ID:          "monthly-invoice",
		Name:        "Monthly invoice",
		Description: "Last month's approved usage for genomics, climate and astro (no cost allocation), plus a pending request",
	},
	{
		ID:          "split-change",
		Name:        "Mid-month split change",
		Description: "The materials project changes its cost split on the 10th; earlier usage keeps the old split",
	},
}

const demoCatalogJSON = `{
  "skus": [
    {
      "id": "sku-gpu-a100", "name": "A100 node", "description": "8x A100 80GB",
      "kind": "NODE_RENTAL", "billing_unit": "HOURLY",
      "rates": [{"amount": "12.50", "effective_date": "2020-01-01"}]
    },
    {
      "id": "sku-cpu", "name": "CPU node",
      "kind": "NODE_RENTAL", "billing_unit": "HOURLY",
      "rates": [{"amount": "2.00", "effective_date": "2020-01-01"}]
    },
    {
      "id": "sku-maint", "name": "Account maintenance",
      "kind": "MAINTENANCE", "billing_unit": "MONTHLY",
      "rates": [{"amount": "150.00", "effective_date": "2020-01-01"}]
    }
  ],
  "nodes": [
    {"id": "gpu-01", "name": "gpu-01", "sku_id": "sku-gpu-a100"},
    {"id": "gpu-02", "name": "gpu-02", "sku_id": "sku-gpu-a100"},
    {"id": "cpu-01", "name": "cpu-01", "sku_id": "sku-cpu"}
  ],
  "projects": [
    {"id": "genomics", "name": "Genomics Lab", "members": [
      {"actor_id": "alice", "role": "owner"},
      {"actor_id": "bob", "role": "member"},
      {"actor_id": "carol", "role": "financial_admin"}
    ]},
    {"id": "climate", "name": "Climate Modelling", "members": [
      {"actor_id": "erin", "role": "owner"},
      {"actor_id": "dave", "role": "technical_admin"}
    ]},
    {"id": "astro", "name": "Astrophysics", "members": [
      {"actor_id": "gina", "role": "owner"}
    ]},
    {"id": "materials", "name": "Materials Science", "members": [
      {"actor_id": "frank", "role": "owner"}
    ]}
  ],
  "subscriptions": [
    {"id": "sub-genomics", "project_id": "genomics", "sku_id": "sku-maint", "start_date": "2020-01-01"}
  ]
}`

// ListScenarios returns available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios})
}

// GetCurrentScenario returns the last scenario loaded by this process.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, map[string]any{"scenario": s})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
}

// LoadScenario loads a demo scenario. Billing managers only.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireBillingManager(w, r) {
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		h.fail(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	now := h.Clock.Now().In(h.Location)
	switch id {
	case "catalog":
		return h.applyDemoCatalog(ctx, now)
	case "monthly-invoice":
		return h.loadMonthlyInvoiceScenario(ctx, now)
	case "split-change":
		return h.loadSplitChangeScenario(ctx, now)
	default:
		return errUnknownScenario
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) applyDemoCatalog(ctx context.Context, now time.Time) error {
	catalog, err := h.Catalog.ParseCatalog([]byte(demoCatalogJSON))
	if err != nil {
		return err
	}
	summary, err := h.Catalog.Apply(ctx, h.Store, catalog, ScenarioActor, now)
	if err != nil {
		return err
	}
	h.Log.Info("demo catalog applied",
		zap.Int("skus", summary.SKUs),
		zap.Int("rates", summary.Rates),
		zap.Int("nodes", summary.Nodes),
		zap.Int("projects", summary.Projects),
	)
	return nil
}

func (h *Handler) loadMonthlyInvoiceScenario(ctx context.Context, now time.Time) error {
	if err := h.applyDemoCatalog(ctx, now); err != nil {
		return err
	}
	month := lastMonth(now)
	day := func(d int) time.Time { return month.AddDate(0, 0, d-1) }
	booked := month.AddDate(0, 0, -14).Add(10 * time.Hour)

	reservations := []demoReservation{
		{"demo-gen-1", "gpu-01", "genomics", "bob", day(2), 4, rental.StatusApproved},
		{"demo-gen-2", "gpu-01", "genomics", "alice", day(8), 2, rental.StatusApproved},
		{"demo-clm-1", "gpu-02", "climate", "dave", day(5), 6, rental.StatusApproved},
		{"demo-clm-2", "gpu-01", "climate", "dave", day(20), 2, rental.StatusCancelled},
		{"demo-ast-1", "gpu-02", "astro", "gina", day(15), 2, rental.StatusApproved},
		{"demo-cpu-1", "cpu-01", "genomics", "bob", day(12), 1, rental.StatusDeclined},
	}
	for _, dr := range reservations {
		if err := h.saveDemoReservation(ctx, dr, booked); err != nil {
			return err
		}
	}

	// An open request in the approval queue.
	upcoming := generic.Date(now.Year(), now.Month(), now.Day()).AddDate(0, 0, 10)
	pending := demoReservation{"demo-pending-1", "gpu-01", "genomics", "bob", upcoming, 2, rental.StatusPending}
	if err := h.saveDemoReservation(ctx, pending, now); err != nil {
		return err
	}

	approvedAt := month.AddDate(0, 0, -30).Add(9 * time.Hour)
	if err := h.saveDemoAllocation(ctx, "genomics", "carol", []allocationStep{
		{at: approvedAt, objects: costObjects("GEN-100", "60", "GEN-200", "40")},
	}); err != nil {
		return err
	}
	if err := h.saveDemoAllocation(ctx, "climate", "erin", []allocationStep{
		{at: approvedAt, objects: costObjects("CLM-001", "100")},
	}); err != nil {
		return err
	}

	return h.ensureMonthPeriod(ctx, month)
}

func (h *Handler) loadSplitChangeScenario(ctx context.Context, now time.Time) error {
	if err := h.applyDemoCatalog(ctx, now); err != nil {
		return err
	}
	month := lastMonth(now)
	day := func(d int) time.Time { return month.AddDate(0, 0, d-1) }
	booked := month.AddDate(0, 0, -14).Add(10 * time.Hour)

	for _, dr := range []demoReservation{
		{"demo-mat-1", "cpu-01", "materials", "frank", day(3), 2, rental.StatusApproved},
		{"demo-mat-2", "cpu-01", "materials", "frank", day(20), 2, rental.StatusApproved},
	} {
		if err := h.saveDemoReservation(ctx, dr, booked); err != nil {
			return err
		}
	}

	if err := h.saveDemoAllocation(ctx, "materials", "frank", []allocationStep{
		{at: month.AddDate(0, 0, -30).Add(9 * time.Hour), objects: costObjects("MAT-OLD", "100")},
		{at: day(10).Add(12 * time.Hour), objects: costObjects("MAT-OLD", "50", "MAT-NEW", "50")},
	}); err != nil {
		return err
	}

	return h.ensureMonthPeriod(ctx, month)
}

// =============================================================================
// HELPERS
// =============================================================================

type demoReservation struct {
	id, nodeID, projectID, actor string
	date                         time.Time
	blocks                       int
	status                       rental.Status
}

// saveDemoReservation writes a reservation directly, bypassing the lead-time
// window so historical usage can be seeded.
func (h *Handler) saveDemoReservation(ctx context.Context, dr demoReservation, createdAt time.Time) error {
	existing, err := h.Store.GetReservation(ctx, dr.id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	iv, err := h.Reservations.Duration.Compute(dr.date, dr.blocks)
	if err != nil {
		return err
	}
	res := rental.Reservation{
		ID:          dr.id,
		NodeID:      dr.nodeID,
		ProjectID:   dr.projectID,
		RequestedBy: dr.actor,
		Start:       iv.Start,
		End:         iv.End,
		Blocks:      dr.blocks,
		Status:      dr.status,
		CreatedAt:   createdAt,
	}
	if dr.status != rental.StatusPending {
		processed := createdAt.Add(2 * time.Hour)
		res.ProcessedBy = ScenarioActor
		res.ProcessedAt = &processed
	}
	return h.Store.SaveReservation(ctx, res)
}

type allocationStep struct {
	at      time.Time
	objects []billing.CostObject
}

// saveDemoAllocation submits and approves each step at its own instant so the
// snapshot history has real validity windows. Projects that already have an
// allocation are left alone.
func (h *Handler) saveDemoAllocation(ctx context.Context, projectID, submitter string, steps []allocationStep) error {
	existing, err := h.Store.GetAllocationByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	for _, st := range steps {
		svc := billing.NewAllocationService(h.Store, generic.FixedClock{At: st.at}, h.Audit, h.Log)
		if _, err := svc.Submit(ctx, billing.SubmitInput{
			ActorID:             submitter,
			CanManageAllocation: true,
			ProjectID:           projectID,
			CostObjects:         st.objects,
		}); err != nil {
			return err
		}
		if _, err := svc.Approve(ctx, billing.ReviewInput{
			ActorID:          ScenarioActor,
			CanManageBilling: true,
			ProjectID:        projectID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) ensureMonthPeriod(ctx context.Context, month time.Time) error {
	name := fmt.Sprintf("%04d-%02d", month.Year(), int(month.Month()))
	periods, err := h.Periods.ListPeriods(ctx)
	if err != nil {
		return err
	}
	for _, p := range periods {
		if p.Name == name {
			return nil
		}
	}
	_, err = h.Periods.MonthPeriod(ctx, ScenarioActor, true, month.Year(), month.Month())
	return err
}

// lastMonth returns the first day of the previous calendar month.
func lastMonth(now time.Time) time.Time {
	return generic.StartOfMonth(now.Year(), now.Month()).AddDate(0, -1, 0)
}

// costObjects builds a split from code/percentage pairs.
func costObjects(pairs ...string) []billing.CostObject {
	out := make([]billing.CostObject, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, billing.CostObject{Code: pairs[i], Percentage: decimal.RequireFromString(pairs[i+1])})
	}
	return out
}
