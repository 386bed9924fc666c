/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, date formats, enums). Domain rules (lead time, overlap,
  percentage sums) stay in the services and come back as ValidationError.

MONEY:
  Amounts are rendered as fixed two-decimal strings; request amounts accept
  JSON numbers or strings (shopspring/decimal).

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

const dateFormat = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

type RequestReservationRequest struct {
	NodeID    string `json:"node_id" validate:"required"`
	ProjectID string `json:"project_id" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Blocks    int    `json:"blocks" validate:"required"`
}

type DecisionRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type CostObjectRequest struct {
	Code       string          `json:"code" validate:"required,max=64"`
	Percentage decimal.Decimal `json:"percentage"`
}

type SubmitAllocationRequest struct {
	CostObjects []CostObjectRequest `json:"cost_objects" validate:"dive"`
}

type CreateSKURequest struct {
	ID          string `json:"id" validate:"omitempty,max=64"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Kind        string `json:"kind" validate:"required,oneof=NODE_RENTAL MAINTENANCE QOS"`
	BillingUnit string `json:"billing_unit" validate:"required,oneof=HOURLY MONTHLY"`
}

type AddRateRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	EffectiveDate string          `json:"effective_date" validate:"required,datetime=2006-01-02"`
}

type CreatePeriodRequest struct {
	Name      string `json:"name" validate:"max=200"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type MonthPeriodRequest struct {
	Year  int `json:"year" validate:"required,min=2000,max=9999"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

type ShareRequest struct {
	Code   string          `json:"code" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type OverrideRequest struct {
	EventKind string          `json:"event_kind" validate:"required,oneof=reservation subscription"`
	EventID   string          `json:"event_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Split     []ShareRequest  `json:"split" validate:"dive"`
	Reason    string          `json:"reason" validate:"required,max=2000"`
}

type SubscribeRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	SKUID     string `json:"sku_id" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type NodeDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SKUID  string `json:"sku_id"`
	Active bool   `json:"active"`
}

type ProjectDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MembershipDTO struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
}

// MeDTO describes the calling actor's capabilities.
type MeDTO struct {
	ActorID        string          `json:"actor_id"`
	Memberships    []MembershipDTO `json:"memberships"`
	RentalManager  bool            `json:"rental_manager"`
	BillingManager bool            `json:"billing_manager"`
	RateManager    bool            `json:"rate_manager"`
}

type ReservationDTO struct {
	ID           string  `json:"id"`
	NodeID       string  `json:"node_id"`
	ProjectID    string  `json:"project_id"`
	RequestedBy  string  `json:"requested_by"`
	Start        string  `json:"start"`
	End          string  `json:"end"`
	Hours        string  `json:"hours"`
	Blocks       int     `json:"blocks"`
	Status       string  `json:"status"`
	ManagerNotes string  `json:"manager_notes,omitempty"`
	ProcessedBy  string  `json:"processed_by,omitempty"`
	ProcessedAt  *string `json:"processed_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type CoverageDTO struct {
	Approved bool `json:"approved"`
	Own      bool `json:"own"`
	Pending  bool `json:"pending"`
}

type DayAvailabilityDTO struct {
	Date  string      `json:"date"`
	State string      `json:"state"`
	AM    CoverageDTO `json:"am"`
	PM    CoverageDTO `json:"pm"`
}

type CostObjectDTO struct {
	Code       string `json:"code"`
	Percentage string `json:"percentage"`
}

type AllocationDTO struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Status      string          `json:"status"`
	CostObjects []CostObjectDTO `json:"cost_objects"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
	SubmittedAt *string         `json:"submitted_at,omitempty"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	ReviewedAt  *string         `json:"reviewed_at,omitempty"`
	ReviewNotes string          `json:"review_notes,omitempty"`
}

type SnapshotDTO struct {
	ID           string          `json:"id"`
	AllocationID string          `json:"allocation_id"`
	ApprovedAt   string          `json:"approved_at"`
	ApprovedBy   string          `json:"approved_by"`
	SupersededAt *string         `json:"superseded_at,omitempty"`
	Current      bool            `json:"current"`
	CostObjects  []CostObjectDTO `json:"cost_objects"`
}

type SKUDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	BillingUnit string `json:"billing_unit"`
	Active      bool   `json:"active"`
}

type RateDTO struct {
	ID            string `json:"id"`
	SKUID         string `json:"sku_id"`
	Amount        string `json:"amount"`
	EffectiveDate string `json:"effective_date"`
	Placeholder   bool   `json:"placeholder"`
	CreatedBy     string `json:"created_by,omitempty"`
}

type SubscriptionDTO struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	SKUID     string  `json:"sku_id"`
	Status    string  `json:"status"`
	StartDate string  `json:"start_date"`
	EndDate   *string `json:"end_date,omitempty"`
}

type PeriodDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	Status    string  `json:"status"`
	ClosedAt  *string `json:"closed_at,omitempty"`
}

type ShareDTO struct {
	Code   string `json:"code"`
	Amount string `json:"amount"`
}

type OverrideDTO struct {
	ID        string     `json:"id"`
	PeriodID  string     `json:"period_id"`
	EventKind string     `json:"event_kind"`
	EventID   string     `json:"event_id"`
	Amount    string     `json:"amount"`
	Split     []ShareDTO `json:"split,omitempty"`
	Reason    string     `json:"reason"`
	CreatedBy string     `json:"created_by"`
	CreatedAt string     `json:"created_at"`
}

type LineDTO struct {
	ProjectID      string `json:"project_id"`
	CostObject     string `json:"cost_object"`
	EventKind      string `json:"event_kind"`
	EventID        string `json:"event_id"`
	EventDate      string `json:"event_date"`
	SKUID          string `json:"sku_id"`
	NodeID         string `json:"node_id,omitempty"`
	Quantity       string `json:"quantity"`
	Unit           string `json:"unit"`
	Rate           string `json:"rate"`
	Charge         string `json:"charge"`
	Percentage     string `json:"percentage"`
	Amount         string `json:"amount"`
	ComputedAmount string `json:"computed_amount"`
	Overridden     bool   `json:"overridden"`
	OverrideReason string `json:"override_reason,omitempty"`
	SnapshotID     string `json:"snapshot_id"`
}

type ExclusionDTO struct {
	ProjectID string `json:"project_id"`
	EventKind string `json:"event_kind"`
	EventID   string `json:"event_id"`
	EventDate string `json:"event_date"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

type ProjectTotalDTO struct {
	ProjectID  string `json:"project_id"`
	Total      string `json:"total"`
	Exclusions int    `json:"exclusions"`
}

type InvoiceDTO struct {
	Period     PeriodDTO         `json:"period"`
	ComputedAt string            `json:"computed_at"`
	Lines      []LineDTO         `json:"lines"`
	Exclusions []ExclusionDTO    `json:"exclusions"`
	Totals     []ProjectTotalDTO `json:"totals"`
	Total      string            `json:"total"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(generic.MoneyPlaces) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func timestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func datePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateFormat)
	return &s
}

func toNodeDTO(n rental.Node) NodeDTO {
	return NodeDTO{ID: n.ID, Name: n.Name, SKUID: n.SKUID, Active: n.Active}
}

func toMembershipDTO(m rental.Membership) MembershipDTO {
	return MembershipDTO{ProjectID: m.ProjectID, ActorID: m.ActorID, Role: string(m.Role)}
}

func toReservationDTO(r rental.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:           r.ID,
		NodeID:       r.NodeID,
		ProjectID:    r.ProjectID,
		RequestedBy:  r.RequestedBy,
		Start:        r.Start.Format(time.RFC3339),
		End:          r.End.Format(time.RFC3339),
		Hours:        r.Interval().Hours().String(),
		Blocks:       r.Blocks,
		Status:       string(r.Status),
		ManagerNotes: r.ManagerNotes,
		ProcessedBy:  r.ProcessedBy,
		ProcessedAt:  timestampPtr(r.ProcessedAt),
		CreatedAt:    timestamp(r.CreatedAt),
	}
}

func toReservationDTOs(rs []rental.Reservation) []ReservationDTO {
	out := make([]ReservationDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReservationDTO(r))
	}
	return out
}

func toDayDTO(d rental.DayAvailability) DayAvailabilityDTO {
	return DayAvailabilityDTO{
		Date:  d.Date.Format(dateFormat),
		State: string(d.State),
		AM:    CoverageDTO(d.AM),
		PM:    CoverageDTO(d.PM),
	}
}

func toCostObjectDTOs(cos []billing.CostObject) []CostObjectDTO {
	out := make([]CostObjectDTO, 0, len(cos))
	for _, co := range cos {
		out = append(out, CostObjectDTO{Code: co.Code, Percentage: co.Percentage.String()})
	}
	return out
}

func toAllocationDTO(a billing.CostAllocation) AllocationDTO {
	return AllocationDTO{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		Status:      string(a.Status),
		CostObjects: toCostObjectDTOs(a.CostObjects),
		SubmittedBy: a.SubmittedBy,
		SubmittedAt: timestampPtr(a.SubmittedAt),
		ReviewedBy:  a.ReviewedBy,
		ReviewedAt:  timestampPtr(a.ReviewedAt),
		ReviewNotes: a.ReviewNotes,
	}
}

func toSnapshotDTO(s billing.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:           s.ID,
		AllocationID: s.AllocationID,
		ApprovedAt:   timestamp(s.ApprovedAt),
		ApprovedBy:   s.ApprovedBy,
		SupersededAt: timestampPtr(s.SupersededAt),
		Current:      s.Current(),
		CostObjects:  toCostObjectDTOs(s.CostObjects),
	}
}

func toSKUDTO(s billing.SKU) SKUDTO {
	return SKUDTO{ID: s.ID, Name: s.Name, Description: s.Description, Kind: string(s.Kind), BillingUnit: string(s.Unit), Active: s.Active}
}

func toRateDTO(r billing.Rate) RateDTO {
	return RateDTO{
		ID:            r.ID,
		SKUID:         r.SKUID,
		Amount:        r.Amount.String(),
		EffectiveDate: r.EffectiveDate.Format(dateFormat),
		Placeholder:   r.EffectiveDate.Equal(billing.SentinelEffectiveDate),
		CreatedBy:     r.CreatedBy,
	}
}

func toSubscriptionDTO(s billing.Subscription) SubscriptionDTO {
	return SubscriptionDTO{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		SKUID:     s.SKUID,
		Status:    string(s.Status),
		StartDate: s.StartDate.Format(dateFormat),
		EndDate:   datePtr(s.EndDate),
	}
}

func toPeriodDTO(p billing.InvoicePeriod) PeriodDTO {
	return PeriodDTO{
		ID:        p.ID,
		Name:      p.Name,
		StartDate: p.StartDate.Format(dateFormat),
		EndDate:   p.EndDate.Format(dateFormat),
		Status:    string(p.Status),
		ClosedAt:  timestampPtr(p.ClosedAt),
	}
}

func toOverrideDTO(o billing.Override) OverrideDTO {
	dto := OverrideDTO{
		ID:        o.ID,
		PeriodID:  o.PeriodID,
		EventKind: string(o.Event.Kind),
		EventID:   o.Event.ID,
		Amount:    money(o.Amount),
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		CreatedAt: timestamp(o.CreatedAt),
	}
	for _, sh := range o.Split {
		dto.Split = append(dto.Split, ShareDTO{Code: sh.Code, Amount: money(sh.Amount)})
	}
	return dto
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		Period:     toPeriodDTO(inv.Period),
		ComputedAt: timestamp(inv.ComputedAt),
		Lines:      make([]LineDTO, 0, len(inv.Lines)),
		Exclusions: make([]ExclusionDTO, 0, len(inv.Exclusions)),
		Totals:     make([]ProjectTotalDTO, 0, len(inv.Totals)),
		Total:      money(inv.Total),
	}
	for _, l := range inv.Lines {
		dto.Lines = append(dto.Lines, LineDTO{
			ProjectID:      l.ProjectID,
			CostObject:     l.CostObject,
			EventKind:      string(l.Event.Kind),
			EventID:        l.Event.ID,
			EventDate:      l.EventDate.Format(dateFormat),
			SKUID:          l.SKUID,
			NodeID:         l.NodeID,
			Quantity:       l.Quantity.String(),
			Unit:           string(l.Unit),
			Rate:           l.Rate.String(),
			Charge:         money(l.Charge),
			Percentage:     l.Percentage.String(),
			Amount:         money(l.Amount),
			ComputedAmount: money(l.ComputedAmount),
			Overridden:     l.Overridden,
			OverrideReason: l.OverrideReason,
			SnapshotID:     l.SnapshotID,
		})
	}
	for _, e := range inv.Exclusions {
		dto.Exclusions = append(dto.Exclusions, ExclusionDTO{
			ProjectID: e.ProjectID,
			EventKind: string(e.Event.Kind),
			EventID:   e.Event.ID,
			EventDate: e.EventDate.Format(dateFormat),
			Kind:      e.Kind(),
			Reason:    e.Reason,
		})
	}
	for _, t := range inv.Totals {
		dto.Totals = append(dto.Totals, ProjectTotalDTO{ProjectID: t.ProjectID, Total: money(t.Total), Exclusions: t.Exclusions})
	}
	return dto
}
