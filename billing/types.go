/*
Package billing turns approved node usage and recurring fees into
apportioned invoices.

PURPOSE:
  Three historical questions decide every invoice line:
    - which rate was in effect for the SKU on the event date (RateResolver)
    - which cost-object split was in effect for the paying project at the
      event instant (snapshot manager)
    - how much of the reservation falls inside the period (generic.Interval)
  Each is answered as of the event, never as of "now", so re-running an old
  period reproduces the original invoice.

KEY CONCEPTS:
  - SKU / Rate: priced items and their append-only, effective-dated rates
  - CostAllocation: the project's editable cost-object split
  - Snapshot: an immutable copy of the split frozen at approval time, valid
    over [ApprovedAt, SupersededAt)
  - InvoicePeriod / Override: computation boundary and manager corrections

SEE ALSO:
  - rate.go, snapshot.go, invoice.go
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// SKU AND RATE
// =============================================================================

type SKUKind string

const (
	KindNodeRental  SKUKind = "NODE_RENTAL"
	KindMaintenance SKUKind = "MAINTENANCE"
	KindQoS         SKUKind = "QOS"
)

type BillingUnit string

const (
	UnitHourly  BillingUnit = "HOURLY"
	UnitMonthly BillingUnit = "MONTHLY"
)

// SKU identifies a priceable item. Identity is immutable; Active may change.
type SKU struct {
	ID          string
	Name        string
	Description string
	Kind        SKUKind
	Unit        BillingUnit
	Active      bool
	CreatedAt   time.Time
}

// Rate is one effective-dated price. Unique per (SKUID, EffectiveDate);
// never edited or deleted.
type Rate struct {
	ID            string
	SKUID         string
	Amount        decimal.Decimal
	EffectiveDate time.Time
	CreatedBy     string
	CreatedAt     time.Time
}

// =============================================================================
// COST ALLOCATION
// =============================================================================

type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "PENDING"
	AllocationApproved AllocationStatus = "APPROVED"
	AllocationRejected AllocationStatus = "REJECTED"
)

// CostObject is one institutional billing code and its share of charges.
type CostObject struct {
	Code       string
	Percentage decimal.Decimal
}

// CostAllocation is the project's currently edited split. One per project.
type CostAllocation struct {
	ID          string
	ProjectID   string
	Status      AllocationStatus
	CostObjects []CostObject
	SubmittedBy string
	SubmittedAt *time.Time
	ReviewedBy  string
	ReviewedAt  *time.Time
	ReviewNotes string
}

// Snapshot is the split frozen when an allocation was approved.
// CostObjects are never mutated after creation.
type Snapshot struct {
	ID           string
	AllocationID string
	ApprovedAt   time.Time
	ApprovedBy   string
	SupersededAt *time.Time
	CostObjects  []CostObject
}

func (s Snapshot) Current() bool { return s.SupersededAt == nil }

func (s Snapshot) Percentages() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.CostObjects))
	for i, co := range s.CostObjects {
		out[i] = co.Percentage
	}
	return out
}

func copyCostObjects(in []CostObject) []CostObject {
	if in == nil {
		return nil
	}
	out := make([]CostObject, len(in))
	copy(out, in)
	return out
}

// =============================================================================
// SUBSCRIPTIONS, PERIODS, OVERRIDES
// =============================================================================

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
)

// Subscription is a recurring maintenance fee billed to ProjectID.
// EndDate is inclusive; nil means open-ended.
type Subscription struct {
	ID        string
	ProjectID string
	SKUID     string
	Status    SubscriptionStatus
	StartDate time.Time
	EndDate   *time.Time
}

// ActiveWindow is [StartDate, EndDate+1) or open-ended.
func (s Subscription) ActiveWindow(loc *time.Location) generic.Interval {
	end := time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
	if s.EndDate != nil {
		end = *s.EndDate
	}
	return generic.DateRange(s.StartDate, end, loc)
}

type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "OPEN"
	PeriodClosed PeriodStatus = "CLOSED"
)

// InvoicePeriod bounds a computation: dates are inclusive, the computed
// interval is [StartDate 00:00, EndDate+1 00:00).
type InvoicePeriod struct {
	ID        string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
	ClosedAt  *time.Time
}

func (p InvoicePeriod) Interval(loc *time.Location) generic.Interval {
	return generic.DateRange(p.StartDate, p.EndDate, loc)
}

type EventKind string

const (
	EventReservation  EventKind = "reservation"
	EventSubscription EventKind = "subscription"
)

// EventRef identifies a billable event.
type EventRef struct {
	Kind EventKind
	ID   string
}

func (e EventRef) String() string { return string(e.Kind) + ":" + e.ID }

// Share is an amount assigned to one cost object.
type Share struct {
	Code   string
	Amount decimal.Decimal
}

// Override replaces the computed charge for one event in one period.
// An empty Split means "apportion Amount by the snapshot"; a non-empty
// Split is taken verbatim and must sum to Amount.
type Override struct {
	ID        string
	PeriodID  string
	Event     EventRef
	Amount    decimal.Decimal
	Split     []Share
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}
