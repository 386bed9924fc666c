package generic

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT - Side-effect events for an external activity log
// =============================================================================

type AuditCategory string

const (
	AuditReservations AuditCategory = "reservations"
	AuditAllocations  AuditCategory = "cost_allocations"
	AuditRates        AuditCategory = "rates"
	AuditInvoices     AuditCategory = "invoices"
)

// AuditEvent records who did what to which entity.
type AuditEvent struct {
	Action     string
	Category   AuditCategory
	ActorID    string
	TargetType string
	TargetID   string
	Data       map[string]string
	At         time.Time
}

// AuditSink receives audit events. Record has no error return: the core
// never fails an operation because the activity log is unavailable.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAudit discards events.
type NopAudit struct{}

func (NopAudit) Record(context.Context, AuditEvent) {}
