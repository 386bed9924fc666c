/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog of SKUs, rates, nodes, projects and maintenance
  subscriptions into billing and rental records. This lets operators
  describe the fleet and its price list in one file and bootstrap a fresh
  database without calling the API entity by entity.

JSON SCHEMA:
  {
    "skus": [
      {
        "id": "sku-gpu-a100",
        "name": "A100 node",
        "kind": "NODE_RENTAL",
        "billing_unit": "HOURLY",
        "rates": [{"amount": "12.50", "effective_date": "2025-01-01"}]
      }
    ],
    "nodes": [{"id": "gpu-01", "name": "gpu-01", "sku_id": "sku-gpu-a100"}],
    "projects": [
      {
        "id": "genomics",
        "name": "Genomics Lab",
        "members": [{"actor_id": "alice", "role": "owner"}]
      }
    ],
    "subscriptions": [
      {"id": "sub-genomics", "project_id": "genomics", "sku_id": "sku-maint", "start_date": "2025-01-01"}
    ]
  }

KEY FEATURES:
  - Validates the whole catalog before touching the store
  - Every SKU gets the sentinel placeholder rate (billing.SeedSKU)
  - Idempotent: existing SKUs, rates and subscriptions are left alone;
    nodes, projects and memberships are upserted
  - One write transaction: a bad row leaves nothing behind

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.ParseCatalog(data)
  summary, err := f.Apply(ctx, store, catalog, "bootstrap", time.Now())

SEE ALSO:
  - billing/rate.go: SeedSKU, SentinelEffectiveDate
  - rental/roles.go: Role values accepted in "members"
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	SKUs          []SKUJSON          `json:"skus"`
	Nodes         []NodeJSON         `json:"nodes"`
	Projects      []ProjectJSON      `json:"projects"`
	Subscriptions []SubscriptionJSON `json:"subscriptions,omitempty"`
}

// SKUJSON represents one SKU and its initial price list.
type SKUJSON struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Kind        string     `json:"kind"`         // NODE_RENTAL, MAINTENANCE, QOS
	BillingUnit string     `json:"billing_unit"` // HOURLY, MONTHLY
	Rates       []RateJSON `json:"rates,omitempty"`
}

// RateJSON is an effective-dated price. Amount is a decimal string.
type RateJSON struct {
	Amount        string `json:"amount"`
	EffectiveDate string `json:"effective_date"` // YYYY-MM-DD
}

type NodeJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SKUID  string `json:"sku_id"`
	Active *bool  `json:"active,omitempty"` // Default true
}

type ProjectJSON struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Members []MemberJSON `json:"members,omitempty"`
}

type MemberJSON struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type SubscriptionJSON struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	SKUID     string `json:"sku_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
}

// =============================================================================
// PARSED CATALOG
// =============================================================================

// Catalog is a validated catalog ready to be applied.
type Catalog struct {
	SKUs          []billing.SKU
	Rates         []billing.Rate // without IDs; assigned on Apply
	Nodes         []rental.Node
	Projects      []rental.Project
	Memberships   []rental.Membership
	Subscriptions []billing.Subscription
}

// Summary counts what Apply actually wrote.
type Summary struct {
	SKUs          int
	Rates         int
	Nodes         int
	Projects      int
	Memberships   int
	Subscriptions int
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to domain records.
type CatalogFactory struct{}

// NewCatalogFactory creates a new catalog factory.
func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// LoadFile reads and parses a catalog file.
func (f *CatalogFactory) LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return f.ParseCatalog(data)
}

// ParseCatalog parses JSON into a Catalog.
func (f *CatalogFactory) ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and converts it. References between entries (node
// to SKU, subscription to project) must resolve inside the catalog.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	c := &Catalog{}
	skus := map[string]billing.SKU{}
	projects := map[string]bool{}

	for _, sj := range cj.SKUs {
		sku, err := parseSKU(sj)
		if err != nil {
			return nil, err
		}
		if _, dup := skus[sku.ID]; dup {
			return nil, invalid("skus", "duplicate sku %q", sku.ID)
		}
		skus[sku.ID] = sku
		c.SKUs = append(c.SKUs, sku)

		seen := map[string]bool{}
		for _, rj := range sj.Rates {
			rate, err := parseRate(sku.ID, rj)
			if err != nil {
				return nil, err
			}
			key := generic.FormatDate(rate.EffectiveDate)
			if seen[key] {
				return nil, invalid("rates", "sku %s has two rates effective %s", sku.ID, key)
			}
			seen[key] = true
			c.Rates = append(c.Rates, rate)
		}
	}

	for _, nj := range cj.Nodes {
		if nj.ID == "" || nj.Name == "" {
			return nil, invalid("nodes", "id and name are required")
		}
		sku, ok := skus[nj.SKUID]
		if !ok {
			return nil, invalid("nodes", "node %s references unknown sku %q", nj.ID, nj.SKUID)
		}
		if sku.Kind != billing.KindNodeRental {
			return nil, invalid("nodes", "node %s must reference a NODE_RENTAL sku, got %s", nj.ID, sku.Kind)
		}
		active := true
		if nj.Active != nil {
			active = *nj.Active
		}
		c.Nodes = append(c.Nodes, rental.Node{ID: nj.ID, Name: nj.Name, SKUID: nj.SKUID, Active: active})
	}

	for _, pj := range cj.Projects {
		if pj.ID == "" || pj.Name == "" {
			return nil, invalid("projects", "id and name are required")
		}
		projects[pj.ID] = true
		c.Projects = append(c.Projects, rental.Project{ID: pj.ID, Name: pj.Name})
		for _, mj := range pj.Members {
			role := rental.Role(mj.Role)
			if mj.ActorID == "" || !role.Valid() {
				return nil, invalid("members", "project %s: invalid member %q with role %q", pj.ID, mj.ActorID, mj.Role)
			}
			c.Memberships = append(c.Memberships, rental.Membership{ProjectID: pj.ID, ActorID: mj.ActorID, Role: role})
		}
	}

	for _, sj := range cj.Subscriptions {
		sub, err := parseSubscription(sj)
		if err != nil {
			return nil, err
		}
		if !projects[sub.ProjectID] {
			return nil, invalid("subscriptions", "subscription %s references unknown project %q", sub.ID, sub.ProjectID)
		}
		if sku, ok := skus[sub.SKUID]; !ok || sku.Kind != billing.KindMaintenance {
			return nil, invalid("subscriptions", "subscription %s must reference a MAINTENANCE sku", sub.ID)
		}
		c.Subscriptions = append(c.Subscriptions, sub)
	}

	return c, nil
}

// Apply writes the catalog in one billing transaction.
func (f *CatalogFactory) Apply(ctx context.Context, store billing.TxStore, c *Catalog, actorID string, now time.Time) (Summary, error) {
	var sum Summary
	err := store.WithBillingTx(ctx, func(tx billing.Store) error {
		sum = Summary{}
		for _, sku := range c.SKUs {
			existing, err := tx.GetSKU(ctx, sku.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			sku.CreatedAt = now
			if err := billing.SeedSKU(ctx, tx, sku, actorID, now); err != nil {
				return fmt.Errorf("sku %s: %w", sku.ID, err)
			}
			sum.SKUs++
		}

		for _, rate := range c.Rates {
			existing, err := tx.ListRates(ctx, rate.SKUID)
			if err != nil {
				return err
			}
			if hasRateOn(existing, rate.EffectiveDate) {
				continue
			}
			rate.ID = uuid.NewString()
			rate.CreatedBy = actorID
			rate.CreatedAt = now
			if err := tx.InsertRate(ctx, rate); err != nil {
				return fmt.Errorf("rate for %s: %w", rate.SKUID, err)
			}
			sum.Rates++
		}

		for _, n := range c.Nodes {
			if err := tx.SaveNode(ctx, n); err != nil {
				return fmt.Errorf("node %s: %w", n.ID, err)
			}
			sum.Nodes++
		}
		for _, p := range c.Projects {
			if err := tx.SaveProject(ctx, p); err != nil {
				return fmt.Errorf("project %s: %w", p.ID, err)
			}
			sum.Projects++
		}
		for _, m := range c.Memberships {
			if err := tx.SaveMembership(ctx, m); err != nil {
				return fmt.Errorf("membership %s/%s: %w", m.ProjectID, m.ActorID, err)
			}
			sum.Memberships++
		}

		subs, err := tx.ListSubscriptions(ctx)
		if err != nil {
			return err
		}
		known := map[string]bool{}
		for _, s := range subs {
			known[s.ID] = true
		}
		for _, s := range c.Subscriptions {
			if known[s.ID] {
				continue
			}
			if err := tx.SaveSubscription(ctx, s); err != nil {
				return fmt.Errorf("subscription %s: %w", s.ID, err)
			}
			sum.Subscriptions++
		}
		return nil
	})
	return sum, err
}

// ToJSON converts stored records back to the catalog format, e.g. to dump
// a running deployment's price list.
func (f *CatalogFactory) ToJSON(skus []billing.SKU, rates []billing.Rate, nodes []rental.Node) CatalogJSON {
	var cj CatalogJSON
	for _, sku := range skus {
		sj := SKUJSON{
			ID:          sku.ID,
			Name:        sku.Name,
			Description: sku.Description,
			Kind:        string(sku.Kind),
			BillingUnit: string(sku.Unit),
		}
		for _, r := range rates {
			// The placeholder is seeded on Apply; dumping it would duplicate it.
			if r.SKUID != sku.ID || r.EffectiveDate.Equal(billing.SentinelEffectiveDate) {
				continue
			}
			sj.Rates = append(sj.Rates, RateJSON{Amount: r.Amount.String(), EffectiveDate: generic.FormatDate(r.EffectiveDate)})
		}
		cj.SKUs = append(cj.SKUs, sj)
	}
	for _, n := range nodes {
		active := n.Active
		cj.Nodes = append(cj.Nodes, NodeJSON{ID: n.ID, Name: n.Name, SKUID: n.SKUID, Active: &active})
	}
	return cj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseSKU(sj SKUJSON) (billing.SKU, error) {
	if sj.ID == "" || sj.Name == "" {
		return billing.SKU{}, invalid("skus", "id and name are required")
	}
	kind := billing.SKUKind(sj.Kind)
	switch kind {
	case billing.KindNodeRental, billing.KindMaintenance, billing.KindQoS:
	default:
		return billing.SKU{}, invalid("skus", "sku %s: unknown kind %q", sj.ID, sj.Kind)
	}
	unit := billing.BillingUnit(sj.BillingUnit)
	switch unit {
	case billing.UnitHourly, billing.UnitMonthly:
	default:
		return billing.SKU{}, invalid("skus", "sku %s: unknown billing unit %q", sj.ID, sj.BillingUnit)
	}
	return billing.SKU{ID: sj.ID, Name: sj.Name, Description: sj.Description, Kind: kind, Unit: unit, Active: true}, nil
}

func parseRate(skuID string, rj RateJSON) (billing.Rate, error) {
	amount, err := decimal.NewFromString(rj.Amount)
	if err != nil {
		return billing.Rate{}, invalid("rates", "sku %s: invalid amount %q", skuID, rj.Amount)
	}
	if amount.IsNegative() {
		return billing.Rate{}, invalid("rates", "sku %s: amount must not be negative", skuID)
	}
	on, err := generic.ParseDate(rj.EffectiveDate)
	if err != nil {
		return billing.Rate{}, invalid("rates", "sku %s: invalid effective_date %q", skuID, rj.EffectiveDate)
	}
	return billing.Rate{SKUID: skuID, Amount: amount, EffectiveDate: on}, nil
}

func parseSubscription(sj SubscriptionJSON) (billing.Subscription, error) {
	if sj.ID == "" {
		return billing.Subscription{}, invalid("subscriptions", "id is required")
	}
	start, err := generic.ParseDate(sj.StartDate)
	if err != nil {
		return billing.Subscription{}, invalid("subscriptions", "subscription %s: invalid start_date %q", sj.ID, sj.StartDate)
	}
	sub := billing.Subscription{ID: sj.ID, ProjectID: sj.ProjectID, SKUID: sj.SKUID, Status: billing.SubscriptionActive, StartDate: start}
	if sj.EndDate != "" {
		end, err := generic.ParseDate(sj.EndDate)
		if err != nil || end.Before(start) {
			return billing.Subscription{}, invalid("subscriptions", "subscription %s: invalid end_date %q", sj.ID, sj.EndDate)
		}
		sub.EndDate = &end
	}
	return sub, nil
}

func hasRateOn(rates []billing.Rate, on time.Time) bool {
	for _, r := range rates {
		if r.EffectiveDate.Equal(on) {
			return true
		}
	}
	return false
}

func invalid(field, format string, args ...any) error {
	return &generic.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
