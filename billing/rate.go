/*
rate.go - Point-in-time rate resolution

PURPOSE:
  Answers "what did this SKU cost on date D?" from an append-only history
  of effective-dated rates: the rate with the greatest EffectiveDate <= D.

SENTINEL:
  Every SKU is seeded with PlaceholderRate at SentinelEffectiveDate
  (1999-01-01). Because resolution prefers the latest effective date not
  exceeding the target, any real rate, even a retroactive one, wins for
  dates on or after it. Seeding at "today" would shadow retroactive rates
  dated before the seeding day.

  1999-01-01        2024-06-01
      │ 0.01            │ 10.00
  ────●─────────────────●──────────────▶
      └── resolves ─────┘└── resolves ──
          to 0.01            to 10.00

SEE ALSO:
  - generic/effective.go: LatestAtOrBefore
  - snapshot.go: the containment lookup over the same index
*/
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

var (
	SentinelEffectiveDate = generic.Date(1999, time.January, 1)
	PlaceholderRate       = decimal.RequireFromString("0.01")
)

// =============================================================================
// RESOLVER
// =============================================================================

// RateResolver answers lookups over a fixed set of rates. Build one per
// invoice run so every line resolves against the same history.
type RateResolver struct {
	bySKU map[string]*generic.EffectiveIndex[Rate]
}

func NewRateResolver(rates []Rate) *RateResolver {
	grouped := make(map[string][]Rate)
	for _, r := range rates {
		grouped[r.SKUID] = append(grouped[r.SKUID], r)
	}
	bySKU := make(map[string]*generic.EffectiveIndex[Rate], len(grouped))
	for sku, list := range grouped {
		bySKU[sku] = generic.NewEffectiveIndex(list, func(r Rate) time.Time { return r.EffectiveDate })
	}
	return &RateResolver{bySKU: bySKU}
}

// Resolve returns the rate in effect for skuID on the calendar date of on
// (read in on's own location).
func (r *RateResolver) Resolve(skuID string, on time.Time) (Rate, error) {
	day := generic.Date(on.Year(), on.Month(), on.Day())
	if ix, ok := r.bySKU[skuID]; ok {
		if rate, found := ix.LatestAtOrBefore(day); found {
			return rate, nil
		}
	}
	return Rate{}, &generic.NoRateConfiguredError{SKUID: skuID, On: day}
}

// =============================================================================
// RATE SERVICE - SKU creation and rate history management
// =============================================================================

type RateService struct {
	Store TxStore
	Clock generic.Clock
	Audit generic.AuditSink
	Log   *zap.Logger
}

func NewRateService(store TxStore, clock generic.Clock, audit generic.AuditSink, log *zap.Logger) *RateService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if audit == nil {
		audit = generic.NopAudit{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateService{Store: store, Clock: clock, Audit: audit, Log: log.Named("billing.rates")}
}

type CreateSKUInput struct {
	ActorID        string
	CanManageRates bool
	ID             string // optional; generated when empty
	Name           string
	Description    string
	Kind           SKUKind
	Unit           BillingUnit
}

// CreateSKU registers a SKU and seeds its placeholder rate in one transaction.
func (s *RateService) CreateSKU(ctx context.Context, in CreateSKUInput) (*SKU, error) {
	if !in.CanManageRates {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_rates"}
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, &generic.ValidationError{Field: "name", Reason: "required"}
	}
	switch in.Kind {
	case KindNodeRental, KindMaintenance, KindQoS:
	default:
		return nil, &generic.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown SKU kind %q", in.Kind)}
	}
	switch in.Unit {
	case UnitHourly, UnitMonthly:
	default:
		return nil, &generic.ValidationError{Field: "billing_unit", Reason: fmt.Sprintf("unknown billing unit %q", in.Unit)}
	}

	now := s.Clock.Now()
	sku := SKU{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Kind:        in.Kind,
		Unit:        in.Unit,
		Active:      true,
		CreatedAt:   now,
	}
	if sku.ID == "" {
		sku.ID = uuid.NewString()
	}

	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		return SeedSKU(ctx, tx, sku, in.ActorID, now)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("sku created", zap.String("sku_id", sku.ID), zap.String("kind", string(sku.Kind)))
	s.Audit.Record(ctx, generic.AuditEvent{
		Action:     "sku_created",
		Category:   generic.AuditRates,
		ActorID:    in.ActorID,
		TargetType: "sku",
		TargetID:   sku.ID,
		Data:       map[string]string{"name": sku.Name, "kind": string(sku.Kind), "billing_unit": string(sku.Unit)},
		At:         now,
	})
	return &sku, nil
}

// SeedSKU saves sku and its sentinel placeholder rate. Callers run it inside
// a billing transaction; catalog bootstrap uses it too.
func SeedSKU(ctx context.Context, tx Store, sku SKU, actorID string, now time.Time) error {
	existing, err := tx.GetSKU(ctx, sku.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &generic.ValidationError{Field: "id", Reason: fmt.Sprintf("sku %s already exists", sku.ID)}
	}
	if err := tx.SaveSKU(ctx, sku); err != nil {
		return fmt.Errorf("failed to save sku: %w", err)
	}
	return tx.InsertRate(ctx, Rate{
		ID:            uuid.NewString(),
		SKUID:         sku.ID,
		Amount:        PlaceholderRate,
		EffectiveDate: SentinelEffectiveDate,
		CreatedBy:     actorID,
		CreatedAt:     now,
	})
}

type AddRateInput struct {
	ActorID        string
	CanManageRates bool
	SKUID          string
	Amount         decimal.Decimal
	EffectiveDate  time.Time
}

// AddRate appends a new effective-dated rate. Existing rates are never
// edited; a second rate on the same date is rejected.
func (s *RateService) AddRate(ctx context.Context, in AddRateInput) (*Rate, error) {
	if !in.CanManageRates {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_rates"}
	}
	if in.Amount.IsNegative() {
		return nil, &generic.ValidationError{Field: "rate", Reason: "must not be negative"}
	}
	if in.EffectiveDate.IsZero() {
		return nil, &generic.ValidationError{Field: "effective_date", Reason: "required"}
	}

	now := s.Clock.Now()
	rate := Rate{
		ID:            uuid.NewString(),
		SKUID:         in.SKUID,
		Amount:        in.Amount,
		EffectiveDate: generic.Date(in.EffectiveDate.Year(), in.EffectiveDate.Month(), in.EffectiveDate.Day()),
		CreatedBy:     in.ActorID,
		CreatedAt:     now,
	}

	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		sku, err := tx.GetSKU(ctx, in.SKUID)
		if err != nil {
			return err
		}
		if sku == nil {
			return &generic.NotFoundError{Entity: "sku", ID: in.SKUID}
		}
		existing, err := tx.ListRates(ctx, in.SKUID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.EffectiveDate.Equal(rate.EffectiveDate) {
				return &generic.ValidationError{
					Field:  "effective_date",
					Reason: fmt.Sprintf("a rate effective %s already exists; rates are never edited", generic.FormatDate(rate.EffectiveDate)),
				}
			}
		}
		return tx.InsertRate(ctx, rate)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("rate added",
		zap.String("sku_id", rate.SKUID),
		zap.String("rate", rate.Amount.String()),
		zap.String("effective_date", generic.FormatDate(rate.EffectiveDate)))
	s.Audit.Record(ctx, generic.AuditEvent{
		Action:     "rate_added",
		Category:   generic.AuditRates,
		ActorID:    in.ActorID,
		TargetType: "sku",
		TargetID:   rate.SKUID,
		Data:       map[string]string{"rate": rate.Amount.String(), "effective_date": generic.FormatDate(rate.EffectiveDate)},
		At:         now,
	})
	return &rate, nil
}

// Resolve looks up the rate in effect for skuID on the given date.
func (s *RateService) Resolve(ctx context.Context, skuID string, on time.Time) (Rate, error) {
	rates, err := s.Store.ListRates(ctx, skuID)
	if err != nil {
		return Rate{}, fmt.Errorf("failed to load rates: %w", err)
	}
	return NewRateResolver(rates).Resolve(skuID, on)
}

func (s *RateService) ListRates(ctx context.Context, skuID string) ([]Rate, error) {
	return s.Store.ListRates(ctx, skuID)
}

func (s *RateService) ListSKUs(ctx context.Context) ([]SKU, error) {
	return s.Store.ListSKUs(ctx)
}
