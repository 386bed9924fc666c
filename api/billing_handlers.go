/*
billing_handlers.go - SKU, rate, subscription, period and invoice endpoints

ENDPOINTS:
  Catalog:
    GET    /api/catalog                           Export SKUs, rates and nodes as catalog JSON
    GET    /api/skus                              List SKUs
    POST   /api/skus                              Create SKU (rate managers)
    GET    /api/skus/{id}/rates                   Rate history
    POST   /api/skus/{id}/rates                   Append a rate (rate managers)
    GET    /api/skus/{id}/rate?on=YYYY-MM-DD      Rate in effect on a date

  Subscriptions (billing managers):
    GET    /api/subscriptions                     List subscriptions
    POST   /api/subscriptions                     Subscribe a project to a maintenance SKU

  Invoice periods:
    GET    /api/invoice-periods                   List periods
    POST   /api/invoice-periods                   Create period (billing managers)
    POST   /api/invoice-periods/month             Create calendar-month period
    GET    /api/invoice-periods/{id}              Get period
    POST   /api/invoice-periods/{id}/close        Close period
    GET    /api/invoice-periods/{id}/invoice      Compute invoice (?project= filters)
    GET    /api/invoice-periods/{id}/invoice.xlsx Spreadsheet export
    GET    /api/invoice-periods/{id}/overrides    List overrides
    PUT    /api/invoice-periods/{id}/overrides    Set the override for one event

ACCESS:
  Billing managers see whole invoices. Project members may read the slice of
  an invoice that belongs to their project by passing ?project=.
*/
package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ExportCatalog returns the current SKUs, rates and nodes in the same JSON
// shape the bootstrap catalog file uses.
// GET /api/catalog
func (h *Handler) ExportCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	skus, err := h.Rates.ListSKUs(ctx)
	if err != nil {
		h.fail(w, r, "Failed to list SKUs", err)
		return
	}
	var rates []billing.Rate
	for _, sku := range skus {
		rs, err := h.Rates.ListRates(ctx, sku.ID)
		if err != nil {
			h.fail(w, r, "Failed to list rates", err)
			return
		}
		rates = append(rates, rs...)
	}
	nodes, err := h.Store.ListNodes(ctx)
	if err != nil {
		h.fail(w, r, "Failed to list nodes", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Catalog.ToJSON(skus, rates, nodes))
}

// ListSKUs returns all SKUs.
// GET /api/skus
func (h *Handler) ListSKUs(w http.ResponseWriter, r *http.Request) {
	skus, err := h.Rates.ListSKUs(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list SKUs", err)
		return
	}
	dtos := make([]SKUDTO, 0, len(skus))
	for _, s := range skus {
		dtos = append(dtos, toSKUDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"skus": dtos})
}

// CreateSKU registers a SKU with its placeholder rate.
// POST /api/skus
func (h *Handler) CreateSKU(w http.ResponseWriter, r *http.Request) {
	var req CreateSKURequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := actorID(r)
	sku, err := h.Rates.CreateSKU(r.Context(), billing.CreateSKUInput{
		ActorID:        actor,
		CanManageRates: h.Access.Get().IsRateManager(actor),
		ID:             req.ID,
		Name:           req.Name,
		Description:    req.Description,
		Kind:           billing.SKUKind(req.Kind),
		Unit:           billing.BillingUnit(req.BillingUnit),
	})
	if err != nil {
		h.fail(w, r, "Failed to create SKU", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSKUDTO(*sku))
}

// ListRates returns the SKU's rate history, oldest first.
// GET /api/skus/{id}/rates
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	skuID := chi.URLParam(r, "id")
	sku, err := h.Store.GetSKU(ctx, skuID)
	if err != nil {
		h.fail(w, r, "Failed to get SKU", err)
		return
	}
	if sku == nil {
		writeError(w, http.StatusNotFound, "SKU not found", nil)
		return
	}
	rates, err := h.Rates.ListRates(ctx, skuID)
	if err != nil {
		h.fail(w, r, "Failed to list rates", err)
		return
	}
	dtos := make([]RateDTO, 0, len(rates))
	for _, rt := range rates {
		dtos = append(dtos, toRateDTO(rt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sku": toSKUDTO(*sku), "rates": dtos})
}

// AddRate appends an effective-dated rate.
// POST /api/skus/{id}/rates
func (h *Handler) AddRate(w http.ResponseWriter, r *http.Request) {
	var req AddRateRequest
	if !h.decode(w, r, &req) {
		return
	}
	on, err := generic.ParseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_date", err)
		return
	}
	actor := actorID(r)
	rate, err := h.Rates.AddRate(r.Context(), billing.AddRateInput{
		ActorID:        actor,
		CanManageRates: h.Access.Get().IsRateManager(actor),
		SKUID:          chi.URLParam(r, "id"),
		Amount:         req.Amount,
		EffectiveDate:  on,
	})
	if err != nil {
		h.fail(w, r, "Failed to add rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateDTO(*rate))
}

// ResolveRate returns the rate in effect on a date (default today).
// GET /api/skus/{id}/rate?on=YYYY-MM-DD
func (h *Handler) ResolveRate(w http.ResponseWriter, r *http.Request) {
	on := calendarToday(h.Clock.Now().In(h.Location))
	if s := r.URL.Query().Get("on"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid on date", err)
			return
		}
		on = d
	}
	rate, err := h.Rates.Resolve(r.Context(), chi.URLParam(r, "id"), on)
	if err != nil {
		h.fail(w, r, "Failed to resolve rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// =============================================================================
// SUBSCRIPTION ENDPOINTS
// =============================================================================

// ListSubscriptions returns all maintenance subscriptions.
// GET /api/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !h.requireBillingManager(w, r) {
		return
	}
	subs, err := h.Store.ListSubscriptions(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list subscriptions", err)
		return
	}
	dtos := make([]SubscriptionDTO, 0, len(subs))
	for _, s := range subs {
		dtos = append(dtos, toSubscriptionDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": dtos})
}

// CreateSubscription attaches a maintenance SKU to a project.
// POST /api/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	var end *time.Time
	if req.EndDate != "" {
		d, err := generic.ParseDate(req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date", err)
			return
		}
		end = &d
	}
	actor := actorID(r)
	sub, err := h.Periods.Subscribe(r.Context(), billing.SubscribeInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		ProjectID:        req.ProjectID,
		SKUID:            req.SKUID,
		StartDate:        start,
		EndDate:          end,
	})
	if err != nil {
		h.fail(w, r, "Failed to create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionDTO(*sub))
}

// =============================================================================
// INVOICE PERIOD ENDPOINTS
// =============================================================================

// ListPeriods returns all invoice periods.
// GET /api/invoice-periods
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Periods.ListPeriods(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list periods", err)
		return
	}
	dtos := make([]PeriodDTO, 0, len(periods))
	for _, p := range periods {
		dtos = append(dtos, toPeriodDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": dtos})
}

// CreatePeriod creates an OPEN period with inclusive dates.
// POST /api/invoice-periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	end, err := generic.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date", err)
		return
	}
	actor := actorID(r)
	p, err := h.Periods.CreatePeriod(r.Context(), billing.CreatePeriodInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		Name:             req.Name,
		StartDate:        start,
		EndDate:          end,
	})
	if err != nil {
		h.fail(w, r, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(*p))
}

// CreateMonthPeriod creates the period covering one calendar month.
// POST /api/invoice-periods/month
func (h *Handler) CreateMonthPeriod(w http.ResponseWriter, r *http.Request) {
	var req MonthPeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := actorID(r)
	p, err := h.Periods.MonthPeriod(r.Context(), actor, h.Access.Get().IsBillingManager(actor), req.Year, time.Month(req.Month))
	if err != nil {
		h.fail(w, r, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(*p))
}

// GetPeriod returns one period.
// GET /api/invoice-periods/{id}
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Periods.GetPeriod(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*p))
}

// ClosePeriod marks a period CLOSED.
// POST /api/invoice-periods/{id}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	p, err := h.Periods.ClosePeriod(r.Context(), billing.ClosePeriodInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		PeriodID:         chi.URLParam(r, "id"),
	})
	if err != nil {
		h.fail(w, r, "Failed to close period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(*p))
}

// GetInvoice computes the period's invoice. Computation is read-only and
// deterministic, so repeated calls return the same lines.
// GET /api/invoice-periods/{id}/invoice?project=
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.computeVisible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// ExportInvoice renders the period's invoice as a spreadsheet.
// GET /api/invoice-periods/{id}/invoice.xlsx?project=
func (h *Handler) ExportInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.computeVisible(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := billing.ExportXLSX(&buf, inv); err != nil {
		h.fail(w, r, "Failed to export invoice", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "invoice-"+inv.Period.Name+".xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// computeVisible runs the invoice and narrows it to what the caller may see.
func (h *Handler) computeVisible(w http.ResponseWriter, r *http.Request) (*billing.Invoice, bool) {
	ctx := r.Context()
	actor := actorID(r)
	projectID := r.URL.Query().Get("project")

	if !h.Access.Get().IsBillingManager(actor) {
		m, err := h.membership(ctx, projectID, actor)
		if err != nil {
			h.fail(w, r, "Failed to load membership", err)
			return nil, false
		}
		if m == nil {
			h.fail(w, r, "Not allowed", &generic.ForbiddenError{ActorID: actor, Capability: "view_invoice"})
			return nil, false
		}
	}

	inv, err := h.Invoices.Compute(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to compute invoice", err)
		return nil, false
	}
	if projectID != "" {
		inv = filterInvoice(inv, projectID)
	}
	return inv, true
}

// filterInvoice keeps one project's lines, exclusions and total.
func filterInvoice(inv *billing.Invoice, projectID string) *billing.Invoice {
	out := &billing.Invoice{Period: inv.Period, ComputedAt: inv.ComputedAt, Total: decimal.Zero}
	for _, l := range inv.Lines {
		if l.ProjectID == projectID {
			out.Lines = append(out.Lines, l)
		}
	}
	for _, e := range inv.Exclusions {
		if e.ProjectID == projectID {
			out.Exclusions = append(out.Exclusions, e)
		}
	}
	for _, t := range inv.Totals {
		if t.ProjectID == projectID {
			out.Totals = append(out.Totals, t)
			out.Total = t.Total
		}
	}
	return out
}

// ListOverrides returns the period's overrides.
// GET /api/invoice-periods/{id}/overrides
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	if !h.requireBillingManager(w, r) {
		return
	}
	overrides, err := h.Periods.ListOverrides(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list overrides", err)
		return
	}
	dtos := make([]OverrideDTO, 0, len(overrides))
	for _, o := range overrides {
		dtos = append(dtos, toOverrideDTO(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": dtos})
}

// SetOverride stores the manager's charge for one event in the period.
// PUT /api/invoice-periods/{id}/overrides
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	split := make([]billing.Share, 0, len(req.Split))
	for _, sh := range req.Split {
		split = append(split, billing.Share{Code: sh.Code, Amount: sh.Amount})
	}
	actor := actorID(r)
	o, err := h.Periods.SetOverride(r.Context(), billing.OverrideInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		PeriodID:         chi.URLParam(r, "id"),
		Event:            billing.EventRef{Kind: billing.EventKind(req.EventKind), ID: req.EventID},
		Amount:           req.Amount,
		Split:            split,
		Reason:           req.Reason,
	})
	if err != nil {
		h.fail(w, r, "Failed to set override", err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(*o))
}

func (h *Handler) requireBillingManager(w http.ResponseWriter, r *http.Request) bool {
	actor := actorID(r)
	if h.Access.Get().IsBillingManager(actor) {
		return true
	}
	h.fail(w, r, "Not allowed", &generic.ForbiddenError{ActorID: actor, Capability: "manage_billing"})
	return false
}
