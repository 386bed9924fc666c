// Package memory provides an in-memory Store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements rental.TxStore and billing.TxStore. Writes inside a
// transaction are rolled back by restoring a copy taken before fn runs.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var (
	_ rental.TxStore  = (*Memory)(nil)
	_ billing.TxStore = (*Memory)(nil)
)

type overrideKey struct {
	periodID string
	event    billing.EventRef
}

type state struct {
	nodes         map[string]rental.Node
	projects      map[string]rental.Project
	memberships   map[[2]string]rental.Membership
	reservations  map[string]rental.Reservation
	skus          map[string]billing.SKU
	rates         []billing.Rate
	allocations   map[string]billing.CostAllocation
	snapshots     []billing.Snapshot
	subscriptions map[string]billing.Subscription
	periods       map[string]billing.InvoicePeriod
	overrides     map[overrideKey]billing.Override
}

func newState() *state {
	return &state{
		nodes:         make(map[string]rental.Node),
		projects:      make(map[string]rental.Project),
		memberships:   make(map[[2]string]rental.Membership),
		reservations:  make(map[string]rental.Reservation),
		skus:          make(map[string]billing.SKU),
		allocations:   make(map[string]billing.CostAllocation),
		subscriptions: make(map[string]billing.Subscription),
		periods:       make(map[string]billing.InvoicePeriod),
		overrides:     make(map[overrideKey]billing.Override),
	}
}

func New() *Memory {
	return &Memory{st: newState()}
}

// clone copies every map and slice. Stored values own their slices (they
// are copied on the way in and out), so a shallow copy per value suffices.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.nodes {
		c.nodes[k] = v
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.skus {
		c.skus[k] = v
	}
	c.rates = append([]billing.Rate(nil), s.rates...)
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	c.snapshots = append([]billing.Snapshot(nil), s.snapshots...)
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range s.periods {
		c.periods[k] = v
	}
	for k, v := range s.overrides {
		c.overrides[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) WithTx(ctx context.Context, fn func(rental.Store) error) error {
	return m.write(func(v view) error { return fn(v) })
}

func (m *Memory) WithBillingTx(ctx context.Context, fn func(billing.Store) error) error {
	return m.write(func(v view) error { return fn(v) })
}

// ReadSnapshot holds the read lock for the whole of fn, so no writer can
// commit in between.
func (m *Memory) ReadSnapshot(ctx context.Context, fn func(billing.Store) error) error {
	return m.read(func(v view) error { return fn(v) })
}

func (m *Memory) write(fn func(v view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.st.clone()
	if err := fn(view{st: m.st}); err != nil {
		m.st = backup
		return err
	}
	return nil
}

func (m *Memory) read(fn func(v view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(view{st: m.st})
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) SaveNode(ctx context.Context, n rental.Node) error {
	return m.write(func(v view) error { return v.SaveNode(ctx, n) })
}

func (m *Memory) GetNode(ctx context.Context, id string) (out *rental.Node, err error) {
	err = m.read(func(v view) error { out, err = v.GetNode(ctx, id); return err })
	return
}

func (m *Memory) ListNodes(ctx context.Context) (out []rental.Node, err error) {
	err = m.read(func(v view) error { out, err = v.ListNodes(ctx); return err })
	return
}

func (m *Memory) SaveProject(ctx context.Context, p rental.Project) error {
	return m.write(func(v view) error { return v.SaveProject(ctx, p) })
}

func (m *Memory) GetProject(ctx context.Context, id string) (out *rental.Project, err error) {
	err = m.read(func(v view) error { out, err = v.GetProject(ctx, id); return err })
	return
}

func (m *Memory) ListProjects(ctx context.Context) (out []rental.Project, err error) {
	err = m.read(func(v view) error { out, err = v.ListProjects(ctx); return err })
	return
}

func (m *Memory) SaveMembership(ctx context.Context, mb rental.Membership) error {
	return m.write(func(v view) error { return v.SaveMembership(ctx, mb) })
}

func (m *Memory) GetMembership(ctx context.Context, projectID, actorID string) (out *rental.Membership, err error) {
	err = m.read(func(v view) error { out, err = v.GetMembership(ctx, projectID, actorID); return err })
	return
}

func (m *Memory) ListMemberships(ctx context.Context, actorID string) (out []rental.Membership, err error) {
	err = m.read(func(v view) error { out, err = v.ListMemberships(ctx, actorID); return err })
	return
}

func (m *Memory) SaveReservation(ctx context.Context, r rental.Reservation) error {
	return m.write(func(v view) error { return v.SaveReservation(ctx, r) })
}

func (m *Memory) GetReservation(ctx context.Context, id string) (out *rental.Reservation, err error) {
	err = m.read(func(v view) error { out, err = v.GetReservation(ctx, id); return err })
	return
}

func (m *Memory) ListReservations(ctx context.Context, f rental.ReservationFilter) (out []rental.Reservation, err error) {
	err = m.read(func(v view) error { out, err = v.ListReservations(ctx, f); return err })
	return
}

func (m *Memory) SaveSKU(ctx context.Context, sku billing.SKU) error {
	return m.write(func(v view) error { return v.SaveSKU(ctx, sku) })
}

func (m *Memory) GetSKU(ctx context.Context, id string) (out *billing.SKU, err error) {
	err = m.read(func(v view) error { out, err = v.GetSKU(ctx, id); return err })
	return
}

func (m *Memory) ListSKUs(ctx context.Context) (out []billing.SKU, err error) {
	err = m.read(func(v view) error { out, err = v.ListSKUs(ctx); return err })
	return
}

func (m *Memory) InsertRate(ctx context.Context, r billing.Rate) error {
	return m.write(func(v view) error { return v.InsertRate(ctx, r) })
}

func (m *Memory) ListRates(ctx context.Context, skuID string) (out []billing.Rate, err error) {
	err = m.read(func(v view) error { out, err = v.ListRates(ctx, skuID); return err })
	return
}

func (m *Memory) SaveAllocation(ctx context.Context, a billing.CostAllocation) error {
	return m.write(func(v view) error { return v.SaveAllocation(ctx, a) })
}

func (m *Memory) GetAllocation(ctx context.Context, id string) (out *billing.CostAllocation, err error) {
	err = m.read(func(v view) error { out, err = v.GetAllocation(ctx, id); return err })
	return
}

func (m *Memory) GetAllocationByProject(ctx context.Context, projectID string) (out *billing.CostAllocation, err error) {
	err = m.read(func(v view) error { out, err = v.GetAllocationByProject(ctx, projectID); return err })
	return
}

func (m *Memory) ListAllocations(ctx context.Context) (out []billing.CostAllocation, err error) {
	err = m.read(func(v view) error { out, err = v.ListAllocations(ctx); return err })
	return
}

func (m *Memory) InsertSnapshot(ctx context.Context, s billing.Snapshot) error {
	return m.write(func(v view) error { return v.InsertSnapshot(ctx, s) })
}

func (m *Memory) SupersedeSnapshot(ctx context.Context, id string, at time.Time) error {
	return m.write(func(v view) error { return v.SupersedeSnapshot(ctx, id, at) })
}

func (m *Memory) ListSnapshots(ctx context.Context, allocationID string) (out []billing.Snapshot, err error) {
	err = m.read(func(v view) error { out, err = v.ListSnapshots(ctx, allocationID); return err })
	return
}

func (m *Memory) SaveSubscription(ctx context.Context, s billing.Subscription) error {
	return m.write(func(v view) error { return v.SaveSubscription(ctx, s) })
}

func (m *Memory) ListSubscriptions(ctx context.Context) (out []billing.Subscription, err error) {
	err = m.read(func(v view) error { out, err = v.ListSubscriptions(ctx); return err })
	return
}

func (m *Memory) SavePeriod(ctx context.Context, p billing.InvoicePeriod) error {
	return m.write(func(v view) error { return v.SavePeriod(ctx, p) })
}

func (m *Memory) GetPeriod(ctx context.Context, id string) (out *billing.InvoicePeriod, err error) {
	err = m.read(func(v view) error { out, err = v.GetPeriod(ctx, id); return err })
	return
}

func (m *Memory) ListPeriods(ctx context.Context) (out []billing.InvoicePeriod, err error) {
	err = m.read(func(v view) error { out, err = v.ListPeriods(ctx); return err })
	return
}

func (m *Memory) SaveOverride(ctx context.Context, o billing.Override) error {
	return m.write(func(v view) error { return v.SaveOverride(ctx, o) })
}

func (m *Memory) ListOverrides(ctx context.Context, periodID string) (out []billing.Override, err error) {
	err = m.read(func(v view) error { out, err = v.ListOverrides(ctx, periodID); return err })
	return
}

// =============================================================================
// VIEW - unlocked operations; the caller holds the lock
// =============================================================================

type view struct {
	st *state
}

func (v view) SaveNode(_ context.Context, n rental.Node) error {
	v.st.nodes[n.ID] = n
	return nil
}

func (v view) GetNode(_ context.Context, id string) (*rental.Node, error) {
	n, ok := v.st.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (v view) ListNodes(_ context.Context) ([]rental.Node, error) {
	out := make([]rental.Node, 0, len(v.st.nodes))
	for _, n := range v.st.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) SaveProject(_ context.Context, p rental.Project) error {
	v.st.projects[p.ID] = p
	return nil
}

func (v view) GetProject(_ context.Context, id string) (*rental.Project, error) {
	p, ok := v.st.projects[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (v view) ListProjects(_ context.Context) ([]rental.Project, error) {
	out := make([]rental.Project, 0, len(v.st.projects))
	for _, p := range v.st.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) SaveMembership(_ context.Context, mb rental.Membership) error {
	if _, ok := v.st.projects[mb.ProjectID]; !ok {
		return &generic.NotFoundError{Entity: "project", ID: mb.ProjectID}
	}
	v.st.memberships[[2]string{mb.ProjectID, mb.ActorID}] = mb
	return nil
}

func (v view) GetMembership(_ context.Context, projectID, actorID string) (*rental.Membership, error) {
	mb, ok := v.st.memberships[[2]string{projectID, actorID}]
	if !ok {
		return nil, nil
	}
	return &mb, nil
}

func (v view) ListMemberships(_ context.Context, actorID string) ([]rental.Membership, error) {
	var out []rental.Membership
	for _, mb := range v.st.memberships {
		if mb.ActorID == actorID {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (v view) SaveReservation(_ context.Context, r rental.Reservation) error {
	if !r.End.After(r.Start) {
		return generic.ErrInvalidInterval
	}
	if _, ok := v.st.nodes[r.NodeID]; !ok {
		return &generic.NotFoundError{Entity: "node", ID: r.NodeID}
	}
	if _, ok := v.st.projects[r.ProjectID]; !ok {
		return &generic.NotFoundError{Entity: "project", ID: r.ProjectID}
	}
	v.st.reservations[r.ID] = r
	return nil
}

func (v view) GetReservation(_ context.Context, id string) (*rental.Reservation, error) {
	r, ok := v.st.reservations[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (v view) ListReservations(_ context.Context, f rental.ReservationFilter) ([]rental.Reservation, error) {
	var out []rental.Reservation
	for _, r := range v.st.reservations {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v view) SaveSKU(_ context.Context, sku billing.SKU) error {
	v.st.skus[sku.ID] = sku
	return nil
}

func (v view) GetSKU(_ context.Context, id string) (*billing.SKU, error) {
	sku, ok := v.st.skus[id]
	if !ok {
		return nil, nil
	}
	return &sku, nil
}

func (v view) ListSKUs(_ context.Context) ([]billing.SKU, error) {
	out := make([]billing.SKU, 0, len(v.st.skus))
	for _, s := range v.st.skus {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) InsertRate(_ context.Context, r billing.Rate) error {
	if _, ok := v.st.skus[r.SKUID]; !ok {
		return &generic.NotFoundError{Entity: "sku", ID: r.SKUID}
	}
	for _, existing := range v.st.rates {
		if existing.SKUID == r.SKUID && existing.EffectiveDate.Equal(r.EffectiveDate) {
			return fmt.Errorf("rate %s on %s: %w", r.SKUID, generic.FormatDate(r.EffectiveDate), generic.ErrDuplicate)
		}
	}
	v.st.rates = append(v.st.rates, r)
	return nil
}

func (v view) ListRates(_ context.Context, skuID string) ([]billing.Rate, error) {
	var out []billing.Rate
	for _, r := range v.st.rates {
		if skuID == "" || r.SKUID == skuID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SKUID != out[j].SKUID {
			return out[i].SKUID < out[j].SKUID
		}
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out, nil
}

func (v view) SaveAllocation(_ context.Context, a billing.CostAllocation) error {
	if _, ok := v.st.projects[a.ProjectID]; !ok {
		return &generic.NotFoundError{Entity: "project", ID: a.ProjectID}
	}
	for id, existing := range v.st.allocations {
		if existing.ProjectID == a.ProjectID && id != a.ID {
			return fmt.Errorf("allocation for project %s: %w", a.ProjectID, generic.ErrDuplicate)
		}
	}
	a.CostObjects = append([]billing.CostObject(nil), a.CostObjects...)
	v.st.allocations[a.ID] = a
	return nil
}

func (v view) GetAllocation(_ context.Context, id string) (*billing.CostAllocation, error) {
	a, ok := v.st.allocations[id]
	if !ok {
		return nil, nil
	}
	a.CostObjects = append([]billing.CostObject(nil), a.CostObjects...)
	return &a, nil
}

func (v view) GetAllocationByProject(ctx context.Context, projectID string) (*billing.CostAllocation, error) {
	for id, a := range v.st.allocations {
		if a.ProjectID == projectID {
			return v.GetAllocation(ctx, id)
		}
	}
	return nil, nil
}

func (v view) ListAllocations(_ context.Context) ([]billing.CostAllocation, error) {
	out := make([]billing.CostAllocation, 0, len(v.st.allocations))
	for _, a := range v.st.allocations {
		a.CostObjects = append([]billing.CostObject(nil), a.CostObjects...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (v view) InsertSnapshot(_ context.Context, s billing.Snapshot) error {
	if _, ok := v.st.allocations[s.AllocationID]; !ok {
		return &generic.NotFoundError{Entity: "allocation", ID: s.AllocationID}
	}
	if s.Current() {
		for _, existing := range v.st.snapshots {
			if existing.AllocationID == s.AllocationID && existing.Current() {
				return fmt.Errorf("current snapshot for allocation %s: %w", s.AllocationID, generic.ErrDuplicate)
			}
		}
	}
	s.CostObjects = append([]billing.CostObject(nil), s.CostObjects...)
	v.st.snapshots = append(v.st.snapshots, s)
	return nil
}

func (v view) SupersedeSnapshot(_ context.Context, id string, at time.Time) error {
	for i, s := range v.st.snapshots {
		if s.ID != id {
			continue
		}
		if !s.Current() {
			return fmt.Errorf("snapshot %s already superseded: %w", id, generic.ErrInvalidTransition)
		}
		at := at
		s.SupersededAt = &at
		v.st.snapshots[i] = s
		return nil
	}
	return &generic.NotFoundError{Entity: "snapshot", ID: id}
}

func (v view) ListSnapshots(_ context.Context, allocationID string) ([]billing.Snapshot, error) {
	var out []billing.Snapshot
	for _, s := range v.st.snapshots {
		if allocationID == "" || s.AllocationID == allocationID {
			s.CostObjects = append([]billing.CostObject(nil), s.CostObjects...)
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

func (v view) SaveSubscription(_ context.Context, s billing.Subscription) error {
	if _, ok := v.st.projects[s.ProjectID]; !ok {
		return &generic.NotFoundError{Entity: "project", ID: s.ProjectID}
	}
	if _, ok := v.st.skus[s.SKUID]; !ok {
		return &generic.NotFoundError{Entity: "sku", ID: s.SKUID}
	}
	v.st.subscriptions[s.ID] = s
	return nil
}

func (v view) ListSubscriptions(_ context.Context) ([]billing.Subscription, error) {
	out := make([]billing.Subscription, 0, len(v.st.subscriptions))
	for _, s := range v.st.subscriptions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) SavePeriod(_ context.Context, p billing.InvoicePeriod) error {
	v.st.periods[p.ID] = p
	return nil
}

func (v view) GetPeriod(_ context.Context, id string) (*billing.InvoicePeriod, error) {
	p, ok := v.st.periods[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (v view) ListPeriods(_ context.Context) ([]billing.InvoicePeriod, error) {
	out := make([]billing.InvoicePeriod, 0, len(v.st.periods))
	for _, p := range v.st.periods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (v view) SaveOverride(_ context.Context, o billing.Override) error {
	if _, ok := v.st.periods[o.PeriodID]; !ok {
		return &generic.NotFoundError{Entity: "period", ID: o.PeriodID}
	}
	o.Split = append([]billing.Share(nil), o.Split...)
	v.st.overrides[overrideKey{periodID: o.PeriodID, event: o.Event}] = o
	return nil
}

func (v view) ListOverrides(_ context.Context, periodID string) ([]billing.Override, error) {
	var out []billing.Override
	for k, o := range v.st.overrides {
		if k.periodID == periodID {
			o.Split = append([]billing.Share(nil), o.Split...)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.String() < out[j].Event.String() })
	return out, nil
}
