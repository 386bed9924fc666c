/*
handlers.go - HTTP API handlers for node rental and billing

PURPOSE:
  Exposes the reservation workflow and the billing engine via REST API.
  Handles HTTP request/response, JSON serialization, capability lookup,
  and delegates to the rental and billing services.

ENDPOINTS:
  Identity:
    GET    /api/me                               Caller's memberships and capabilities

  Nodes:
    GET    /api/nodes                            List nodes
    GET    /api/nodes/{id}                       Get node
    GET    /api/nodes/{id}/availability          Calendar (?from=&to=)

  Reservations:
    POST   /api/reservations                     Request a reservation
    GET    /api/reservations/pending             Pending queue (rental managers)
    GET    /api/reservations/{id}                Get reservation
    POST   /api/reservations/{id}/approve        Approve (rental managers)
    POST   /api/reservations/{id}/decline        Decline (rental managers)
    POST   /api/reservations/{id}/cancel         Cancel

  Projects:
    GET    /api/projects                         List projects
    GET    /api/projects/{id}/reservations       Project reservations
    GET    /api/projects/{id}/allocation         Current cost allocation
    PUT    /api/projects/{id}/allocation         Submit cost objects
    POST   /api/projects/{id}/allocation/approve Approve split (billing managers)
    POST   /api/projects/{id}/allocation/reject  Reject split (billing managers)
    GET    /api/projects/{id}/snapshots          Snapshot history
    GET    /api/projects/{id}/snapshot           Snapshot in effect (?at=RFC3339)

  Billing: see billing_handlers.go

CAPABILITIES:
  The caller is identified by the X-Actor-ID header (see server.go).
  Project roles come from memberships in the store; rental, billing and
  rate management come from the hot-reloaded access lists in config.
  Handlers evaluate capabilities and pass booleans into the services.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error kind:
  - 400: Validation errors, invalid input
  - 403: Missing capability
  - 404: Resource not found
  - 409: Conflict, duplicate, invalid status transition
  - 422: Missing rate or cost allocation
  - 500: Internal errors (no details)

SEE ALSO:
  - dto.go: Request/response data structures
  - billing_handlers.go: SKU, rate, period and invoice endpoints
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/config"
	"github.com/warp/noderental/factory"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/observability/logger"
	"github.com/warp/noderental/rental"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures the services a Handler builds.
type Options struct {
	Location           *time.Location
	LeadTimeDays       int
	HorizonMonths      int
	ProrateMaintenance bool
	Workers            int
	Access             *config.AccessHolder
	Clock              generic.Clock
	Audit              generic.AuditSink
	Reservations       rental.Recorder
	Invoices           billing.InvoiceRecorder
	Log                *zap.Logger
}

// Store is the persistence contract the handlers need: both the rental and
// the billing transactional stores.
type Store interface {
	rental.TxStore
	billing.TxStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        Store
	Reservations *rental.ReservationService
	Rates        *billing.RateService
	Allocations  *billing.AllocationService
	Periods      *billing.PeriodService
	Invoices     *billing.InvoiceComputer
	Catalog      *factory.CatalogFactory
	Access       *config.AccessHolder
	Location     *time.Location
	Clock        generic.Clock
	Audit        generic.AuditSink
	Log          *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires every service on top of one store.
func NewHandler(store Store, opts Options) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LeadTimeDays <= 0 {
		opts.LeadTimeDays = rental.DefaultLeadTimeDays
	}
	if opts.HorizonMonths <= 0 {
		opts.HorizonMonths = rental.DefaultHorizonMonths
	}
	if opts.Access == nil {
		opts.Access = config.NewAccessHolder(config.AccessConfig{})
	}
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.Audit == nil {
		opts.Audit = generic.NopAudit{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	reservations := rental.NewReservationService(
		store,
		rental.NewDuration(opts.Location),
		rental.NewConflictDetector(opts.LeadTimeDays, opts.HorizonMonths, opts.Location),
		opts.Clock, opts.Audit, opts.Log,
	)
	reservations.Metrics = opts.Reservations

	invoices := billing.NewInvoiceComputer(store, opts.Location, opts.Clock, opts.Log)
	invoices.ProrateMaintenance = opts.ProrateMaintenance
	if opts.Workers > 0 {
		invoices.Workers = opts.Workers
	}
	invoices.Metrics = opts.Invoices

	return &Handler{
		Store:        store,
		Reservations: reservations,
		Rates:        billing.NewRateService(store, opts.Clock, opts.Audit, opts.Log),
		Allocations:  billing.NewAllocationService(store, opts.Clock, opts.Audit, opts.Log),
		Periods:      billing.NewPeriodService(store, opts.Clock, opts.Audit, opts.Log),
		Invoices:     invoices,
		Catalog:      factory.NewCatalogFactory(),
		Access:       opts.Access,
		Location:     opts.Location,
		Clock:        opts.Clock,
		Audit:        opts.Audit,
		Log:          opts.Log.Named("api"),
		validate:     newValidator(),
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

func actorID(r *http.Request) string {
	return logger.ActorIDFromContext(r.Context())
}

// membership returns the caller's membership in projectID, or nil.
func (h *Handler) membership(ctx context.Context, projectID, actor string) (*rental.Membership, error) {
	if projectID == "" {
		return nil, nil
	}
	return h.Store.GetMembership(ctx, projectID, actor)
}

func (h *Handler) viewerProjects(ctx context.Context, actor string) ([]string, error) {
	ms, err := h.Store.ListMemberships(ctx, actor)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ProjectID)
	}
	return ids, nil
}

// GetMe returns the caller's memberships and capabilities.
// GET /api/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	ms, err := h.Store.ListMemberships(r.Context(), actor)
	if err != nil {
		h.fail(w, r, "Failed to load memberships", err)
		return
	}
	access := h.Access.Get()
	dto := MeDTO{
		ActorID:        actor,
		Memberships:    make([]MembershipDTO, 0, len(ms)),
		RentalManager:  access.IsRentalManager(actor),
		BillingManager: access.IsBillingManager(actor),
		RateManager:    access.IsRateManager(actor),
	}
	for _, m := range ms {
		dto.Memberships = append(dto.Memberships, toMembershipDTO(m))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// NODE ENDPOINTS
// =============================================================================

// ListNodes returns all nodes.
// GET /api/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.Store.ListNodes(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list nodes", err)
		return
	}
	dtos := make([]NodeDTO, 0, len(nodes))
	for _, n := range nodes {
		dtos = append(dtos, toNodeDTO(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": dtos})
}

// GetNode returns a single node.
// GET /api/nodes/{id}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, err := h.Store.GetNode(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get node", err)
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "Node not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toNodeDTO(*node))
}

// GetAvailability returns the node's half-day calendar.
// GET /api/nodes/{id}/availability?from=YYYY-MM-DD&to=YYYY-MM-DD
//
// "from" defaults to today and "to" to four weeks after "from".
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	from := calendarToday(h.Clock.Now().In(h.Location))
	if s := r.URL.Query().Get("from"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date", err)
			return
		}
		from = d
	}
	to := from.AddDate(0, 0, 27)
	if s := r.URL.Query().Get("to"); s != "" {
		d, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
		to = d
	}
	if generic.DaysBetween(from, to) > 366 {
		writeError(w, http.StatusBadRequest, "Availability window is limited to one year", nil)
		return
	}

	node, err := h.Store.GetNode(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get node", err)
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "Node not found", nil)
		return
	}

	viewer, err := h.viewerProjects(ctx, actorID(r))
	if err != nil {
		h.fail(w, r, "Failed to load memberships", err)
		return
	}

	days, err := h.Reservations.Availability(ctx, id, from, to, viewer)
	if err != nil {
		h.fail(w, r, "Failed to compute availability", err)
		return
	}
	dtos := make([]DayAvailabilityDTO, 0, len(days))
	for _, d := range days {
		dtos = append(dtos, toDayDTO(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "days": dtos})
}

// =============================================================================
// RESERVATION ENDPOINTS
// =============================================================================

// RequestReservation creates a PENDING reservation.
// POST /api/reservations
func (h *Handler) RequestReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RequestReservationRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	actor := actorID(r)
	m, err := h.membership(ctx, req.ProjectID, actor)
	if err != nil {
		h.fail(w, r, "Failed to load membership", err)
		return
	}

	res, err := h.Reservations.Request(ctx, rental.RequestInput{
		ActorID:   actor,
		CanBook:   rental.CanBook(m),
		NodeID:    req.NodeID,
		ProjectID: req.ProjectID,
		Date:      date,
		Blocks:    req.Blocks,
	})
	if err != nil {
		h.fail(w, r, "Failed to request reservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(*res))
}

// ListPendingReservations returns the approval queue.
// GET /api/reservations/pending
func (h *Handler) ListPendingReservations(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if !h.Access.Get().IsRentalManager(actor) {
		h.fail(w, r, "Not allowed", &generic.ForbiddenError{ActorID: actor, Capability: "manage_rentals"})
		return
	}
	pending, err := h.Reservations.Pending(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list pending reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": toReservationDTOs(pending)})
}

// GetReservation returns one reservation. Visible to rental managers,
// the requester, and members of the charged project.
// GET /api/reservations/{id}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	res, err := h.Store.GetReservation(ctx, id)
	if err != nil {
		h.fail(w, r, "Failed to get reservation", err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "Reservation not found", nil)
		return
	}

	actor := actorID(r)
	if res.RequestedBy != actor && !h.Access.Get().IsRentalManager(actor) {
		m, err := h.membership(ctx, res.ProjectID, actor)
		if err != nil {
			h.fail(w, r, "Failed to load membership", err)
			return
		}
		if m == nil {
			// Do not reveal reservations of other projects.
			writeError(w, http.StatusNotFound, "Reservation not found", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// ApproveReservation approves a pending reservation.
// POST /api/reservations/{id}/approve
func (h *Handler) ApproveReservation(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor := actorID(r)
	res, err := h.Reservations.Approve(r.Context(), rental.ApprovalInput{
		ActorID:       actor,
		CanManage:     h.Access.Get().IsRentalManager(actor),
		ReservationID: chi.URLParam(r, "id"),
		Notes:         req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to approve reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// DeclineReservation declines a pending reservation.
// POST /api/reservations/{id}/decline
func (h *Handler) DeclineReservation(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor := actorID(r)
	res, err := h.Reservations.Decline(r.Context(), rental.ApprovalInput{
		ActorID:       actor,
		CanManage:     h.Access.Get().IsRentalManager(actor),
		ReservationID: chi.URLParam(r, "id"),
		Notes:         req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to decline reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// CancelReservation withdraws a pending or approved reservation.
// POST /api/reservations/{id}/cancel
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CancelRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	actor := actorID(r)

	canManage := h.Access.Get().IsRentalManager(actor)
	if !canManage {
		res, err := h.Store.GetReservation(ctx, id)
		if err != nil {
			h.fail(w, r, "Failed to get reservation", err)
			return
		}
		if res != nil {
			m, err := h.membership(ctx, res.ProjectID, actor)
			if err != nil {
				h.fail(w, r, "Failed to load membership", err)
				return
			}
			canManage = rental.CanCancelForProject(m)
		}
	}

	res, err := h.Reservations.Cancel(ctx, rental.CancelInput{
		ActorID:       actor,
		CanManage:     canManage,
		ReservationID: id,
		Reason:        req.Reason,
	})
	if err != nil {
		h.fail(w, r, "Failed to cancel reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// =============================================================================
// PROJECT ENDPOINTS
// =============================================================================

// ListProjects returns all projects.
// GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list projects", err)
		return
	}
	dtos := make([]ProjectDTO, 0, len(projects))
	for _, p := range projects {
		dtos = append(dtos, ProjectDTO{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": dtos})
}

// ListProjectReservations returns the project's reservations.
// GET /api/projects/{id}/reservations?status=PENDING
func (h *Handler) ListProjectReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "id")
	if !h.canViewProject(w, r, projectID) {
		return
	}

	filter := rental.ReservationFilter{ProjectID: projectID}
	if s := r.URL.Query().Get("status"); s != "" {
		status := rental.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
		filter.Statuses = []rental.Status{status}
	}
	rs, err := h.Store.ListReservations(ctx, filter)
	if err != nil {
		h.fail(w, r, "Failed to list reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": toReservationDTOs(rs)})
}

// GetAllocation returns the project's cost allocation.
// GET /api/projects/{id}/allocation
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.canViewProject(w, r, projectID) {
		return
	}
	a, err := h.Allocations.Get(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, "Failed to get allocation", err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Allocation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

// SubmitAllocation replaces the project's cost objects.
// PUT /api/projects/{id}/allocation
func (h *Handler) SubmitAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "id")
	var req SubmitAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor := actorID(r)
	m, err := h.membership(ctx, projectID, actor)
	if err != nil {
		h.fail(w, r, "Failed to load membership", err)
		return
	}

	objects := make([]billing.CostObject, 0, len(req.CostObjects))
	for _, co := range req.CostObjects {
		objects = append(objects, billing.CostObject{Code: co.Code, Percentage: co.Percentage})
	}
	a, err := h.Allocations.Submit(ctx, billing.SubmitInput{
		ActorID:             actor,
		CanManageAllocation: rental.CanManageAllocation(m),
		ProjectID:           projectID,
		CostObjects:         objects,
	})
	if err != nil {
		h.fail(w, r, "Failed to submit allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

// ApproveAllocation freezes the pending split into a new snapshot.
// POST /api/projects/{id}/allocation/approve
func (h *Handler) ApproveAllocation(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor := actorID(r)
	snap, err := h.Allocations.Approve(r.Context(), billing.ReviewInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		ProjectID:        chi.URLParam(r, "id"),
		Notes:            req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to approve allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(*snap))
}

// RejectAllocation rejects the pending split.
// POST /api/projects/{id}/allocation/reject
func (h *Handler) RejectAllocation(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor := actorID(r)
	a, err := h.Allocations.Reject(r.Context(), billing.ReviewInput{
		ActorID:          actor,
		CanManageBilling: h.Access.Get().IsBillingManager(actor),
		ProjectID:        chi.URLParam(r, "id"),
		Notes:            req.Notes,
	})
	if err != nil {
		h.fail(w, r, "Failed to reject allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*a))
}

// ListSnapshots returns every snapshot of the project's allocation.
// GET /api/projects/{id}/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.canViewProject(w, r, projectID) {
		return
	}
	snaps, err := h.Allocations.Snapshots(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, "Failed to list snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toSnapshotDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": dtos})
}

// GetSnapshotAsOf returns the split that was in effect at an instant.
// GET /api/projects/{id}/snapshot?at=2025-03-01T12:00:00Z
func (h *Handler) GetSnapshotAsOf(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if !h.canViewProject(w, r, projectID) {
		return
	}
	at := h.Clock.Now()
	if s := r.URL.Query().Get("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at timestamp", err)
			return
		}
		at = t
	}
	snap, err := h.Allocations.SnapshotAsOf(r.Context(), projectID, at)
	if err != nil {
		h.fail(w, r, "Failed to resolve snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// canViewProject allows project members and billing managers. It writes the
// error response and returns false otherwise.
func (h *Handler) canViewProject(w http.ResponseWriter, r *http.Request, projectID string) bool {
	actor := actorID(r)
	if h.Access.Get().IsBillingManager(actor) || h.Access.Get().IsRentalManager(actor) {
		return true
	}
	m, err := h.membership(r.Context(), projectID, actor)
	if err != nil {
		h.fail(w, r, "Failed to load membership", err)
		return false
	}
	if m == nil {
		h.fail(w, r, "Not allowed", &generic.ForbiddenError{ActorID: actor, Capability: "view_project"})
		return false
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: codeFor(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a service error onto a status code. Internal errors are logged
// and returned without details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context(), h.Log).Error(message, zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: message, Code: codeForError(err)})
		return
	}
	resp := ErrorResponse{Error: message, Code: codeForError(err), Details: err.Error()}
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		resp.Details = map[string]string{"field": ve.Field, "reason": ve.Reason}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrConflict),
		errors.Is(err, generic.ErrDuplicate),
		errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, generic.ErrValidation),
		errors.Is(err, generic.ErrInvalidInterval):
		return http.StatusBadRequest
	case generic.IsDataCompleteness(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, generic.ErrForbidden):
		return "forbidden"
	case errors.Is(err, generic.ErrNotFound):
		return "not_found"
	case errors.Is(err, generic.ErrConflict):
		return "conflict"
	case errors.Is(err, generic.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, generic.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, generic.ErrValidation), errors.Is(err, generic.ErrInvalidInterval):
		return "validation"
	case errors.Is(err, generic.ErrNoRateConfigured):
		return "no_rate_configured"
	case errors.Is(err, generic.ErrMissingCostAllocation):
		return "missing_cost_allocation"
	case errors.Is(err, generic.ErrInconsistentSnapshotState):
		return "inconsistent_snapshot_state"
	default:
		return "internal"
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return ""
	}
}

// decode parses and validates a required JSON body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body for endpoints whose fields are all optional.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "validation", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func calendarToday(now time.Time) time.Time {
	return generic.Date(now.Year(), now.Month(), now.Day())
}
