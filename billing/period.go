package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// PERIOD SERVICE - Invoice periods and manager overrides
// =============================================================================

type PeriodService struct {
	Store TxStore
	Clock generic.Clock
	Audit generic.AuditSink
	Log   *zap.Logger
}

func NewPeriodService(store TxStore, clock generic.Clock, audit generic.AuditSink, log *zap.Logger) *PeriodService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if audit == nil {
		audit = generic.NopAudit{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PeriodService{Store: store, Clock: clock, Audit: audit, Log: log.Named("billing.periods")}
}

type CreatePeriodInput struct {
	ActorID          string
	CanManageBilling bool
	Name             string
	StartDate        time.Time
	EndDate          time.Time // inclusive
}

func (s *PeriodService) CreatePeriod(ctx context.Context, in CreatePeriodInput) (*InvoicePeriod, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}
	start := calendarDate(in.StartDate)
	end := calendarDate(in.EndDate)
	if end.Before(start) {
		return nil, &generic.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s..%s", generic.FormatDate(start), generic.FormatDate(end))
	}

	p := InvoicePeriod{ID: uuid.NewString(), Name: name, StartDate: start, EndDate: end, Status: PeriodOpen}
	if err := s.Store.WithBillingTx(ctx, func(tx Store) error { return tx.SavePeriod(ctx, p) }); err != nil {
		return nil, err
	}
	s.audit(ctx, "invoice_period_created", in.ActorID, "invoice_period", p.ID, map[string]string{
		"start_date": generic.FormatDate(start),
		"end_date":   generic.FormatDate(end),
	})
	return &p, nil
}

// MonthPeriod creates the period covering one calendar month.
func (s *PeriodService) MonthPeriod(ctx context.Context, actorID string, canManage bool, year int, month time.Month) (*InvoicePeriod, error) {
	return s.CreatePeriod(ctx, CreatePeriodInput{
		ActorID:          actorID,
		CanManageBilling: canManage,
		Name:             fmt.Sprintf("%04d-%02d", year, int(month)),
		StartDate:        generic.StartOfMonth(year, month),
		EndDate:          generic.EndOfMonth(year, month),
	})
}

type ClosePeriodInput struct {
	ActorID          string
	CanManageBilling bool
	PeriodID         string
}

// ClosePeriod marks an OPEN period CLOSED. Closed periods can still be
// recomputed; they no longer accept overrides.
func (s *PeriodService) ClosePeriod(ctx context.Context, in ClosePeriodInput) (*InvoicePeriod, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}
	now := s.Clock.Now()
	var out InvoicePeriod
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		p, err := loadPeriod(ctx, tx, in.PeriodID)
		if err != nil {
			return err
		}
		if p.Status != PeriodOpen {
			return &generic.TransitionError{Entity: "invoice_period", ID: p.ID, From: string(p.Status), To: string(PeriodClosed)}
		}
		p.Status = PeriodClosed
		p.ClosedAt = &now
		out = *p
		return tx.SavePeriod(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("invoice period closed", zap.String("period_id", out.ID), zap.String("name", out.Name))
	s.audit(ctx, "invoice_period_closed", in.ActorID, "invoice_period", out.ID, map[string]string{"name": out.Name})
	return &out, nil
}

// DuePeriods lists OPEN periods whose end date is before today in loc.
func (s *PeriodService) DuePeriods(ctx context.Context, loc *time.Location) ([]InvoicePeriod, error) {
	periods, err := s.Store.ListPeriods(ctx)
	if err != nil {
		return nil, err
	}
	today := calendarDate(s.Clock.Now().In(loc))
	var due []InvoicePeriod
	for _, p := range periods {
		if p.Status == PeriodOpen && p.EndDate.Before(today) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (s *PeriodService) ListPeriods(ctx context.Context) ([]InvoicePeriod, error) {
	return s.Store.ListPeriods(ctx)
}

func (s *PeriodService) GetPeriod(ctx context.Context, id string) (*InvoicePeriod, error) {
	return loadPeriod(ctx, s.Store, id)
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideInput struct {
	ActorID          string
	CanManageBilling bool
	PeriodID         string
	Event            EventRef
	Amount           decimal.Decimal
	Split            []Share // optional; must sum to Amount
	Reason           string
}

// SetOverride stores (or replaces) the manager's charge for one event in
// one period. It applies on every later computation of that period.
func (s *PeriodService) SetOverride(ctx context.Context, in OverrideInput) (*Override, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}
	if err := validateOverride(in); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	o := Override{
		ID:        uuid.NewString(),
		PeriodID:  in.PeriodID,
		Event:     in.Event,
		Amount:    generic.RoundMoney(in.Amount),
		Split:     append([]Share(nil), in.Split...),
		Reason:    in.Reason,
		CreatedBy: in.ActorID,
		CreatedAt: now,
	}
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		p, err := loadPeriod(ctx, tx, in.PeriodID)
		if err != nil {
			return err
		}
		if p.Status != PeriodOpen {
			return &generic.ValidationError{Field: "period_id", Reason: "period is closed"}
		}
		if err := requireEvent(ctx, tx, in.Event); err != nil {
			return err
		}
		return tx.SaveOverride(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	data := map[string]string{
		"period_id": o.PeriodID,
		"amount":    o.Amount.StringFixed(generic.MoneyPlaces),
		"reason":    o.Reason,
	}
	for _, sh := range o.Split {
		data["split."+sh.Code] = sh.Amount.StringFixed(generic.MoneyPlaces)
	}
	s.audit(ctx, "invoice_override_set", in.ActorID, "invoice_override", o.Event.String(), data)
	return &o, nil
}

func (s *PeriodService) ListOverrides(ctx context.Context, periodID string) ([]Override, error) {
	if _, err := loadPeriod(ctx, s.Store, periodID); err != nil {
		return nil, err
	}
	return s.Store.ListOverrides(ctx, periodID)
}

func validateOverride(in OverrideInput) error {
	switch in.Event.Kind {
	case EventReservation, EventSubscription:
	default:
		return &generic.ValidationError{Field: "event.kind", Reason: fmt.Sprintf("unknown event kind %q", in.Event.Kind)}
	}
	if in.Event.ID == "" {
		return &generic.ValidationError{Field: "event.id", Reason: "required"}
	}
	if in.Amount.IsNegative() {
		return &generic.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return &generic.ValidationError{Field: "reason", Reason: "overrides need a reason"}
	}
	if len(in.Split) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in.Split))
	sum := decimal.Zero
	for i, sh := range in.Split {
		if sh.Code == "" || seen[sh.Code] {
			return &generic.ValidationError{Field: fmt.Sprintf("split[%d]", i), Reason: "codes must be present and unique"}
		}
		if sh.Amount.IsNegative() {
			return &generic.ValidationError{Field: fmt.Sprintf("split[%d]", i), Reason: "must not be negative"}
		}
		seen[sh.Code] = true
		sum = sum.Add(generic.RoundMoney(sh.Amount))
	}
	if !sum.Equal(generic.RoundMoney(in.Amount)) {
		return &generic.ValidationError{Field: "split", Reason: fmt.Sprintf("split sums to %s, amount is %s", sum.StringFixed(2), in.Amount.StringFixed(2))}
	}
	return nil
}

func requireEvent(ctx context.Context, tx Store, ref EventRef) error {
	switch ref.Kind {
	case EventReservation:
		r, err := tx.GetReservation(ctx, ref.ID)
		if err != nil {
			return err
		}
		if r == nil {
			return &generic.NotFoundError{Entity: "reservation", ID: ref.ID}
		}
	case EventSubscription:
		subs, err := tx.ListSubscriptions(ctx)
		if err != nil {
			return err
		}
		for _, s := range subs {
			if s.ID == ref.ID {
				return nil
			}
		}
		return &generic.NotFoundError{Entity: "subscription", ID: ref.ID}
	}
	return nil
}

func loadPeriod(ctx context.Context, store Store, id string) (*InvoicePeriod, error) {
	p, err := store.GetPeriod(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load period: %w", err)
	}
	if p == nil {
		return nil, &generic.NotFoundError{Entity: "invoice_period", ID: id}
	}
	return p, nil
}

func (s *PeriodService) audit(ctx context.Context, action, actorID, targetType, targetID string, data map[string]string) {
	s.Audit.Record(ctx, generic.AuditEvent{
		Action:     action,
		Category:   generic.AuditInvoices,
		ActorID:    actorID,
		TargetType: targetType,
		TargetID:   targetID,
		Data:       data,
		At:         s.Clock.Now(),
	})
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type SubscribeInput struct {
	ActorID          string
	CanManageBilling bool
	ProjectID        string
	SKUID            string
	StartDate        time.Time
	EndDate          *time.Time
}

// Subscribe attaches a maintenance SKU to a billing project.
func (s *PeriodService) Subscribe(ctx context.Context, in SubscribeInput) (*Subscription, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}
	sub := Subscription{
		ID:        uuid.NewString(),
		ProjectID: in.ProjectID,
		SKUID:     in.SKUID,
		Status:    SubscriptionActive,
		StartDate: calendarDate(in.StartDate),
	}
	if in.EndDate != nil {
		end := calendarDate(*in.EndDate)
		if end.Before(sub.StartDate) {
			return nil, &generic.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
		}
		sub.EndDate = &end
	}
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		sku, err := tx.GetSKU(ctx, in.SKUID)
		if err != nil {
			return err
		}
		if sku == nil {
			return &generic.NotFoundError{Entity: "sku", ID: in.SKUID}
		}
		if sku.Kind != KindMaintenance {
			return &generic.ValidationError{Field: "sku_id", Reason: "subscriptions need a MAINTENANCE sku"}
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "subscription_created", in.ActorID, "subscription", sub.ID, map[string]string{"project_id": sub.ProjectID, "sku_id": sub.SKUID})
	return &sub, nil
}
