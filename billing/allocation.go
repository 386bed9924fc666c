package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/noderental/generic"
)

// =============================================================================
// ALLOCATION SERVICE - Cost-object split state machine
// =============================================================================
//
//   (submit) ──▶ PENDING ──approve──▶ APPROVED ──(submit)──▶ PENDING ...
//                   │
//                   └──reject──▶ REJECTED ──(submit)──▶ PENDING
//
// Every approval freezes the split into a new current Snapshot (snapshot.go).

type AllocationService struct {
	Store TxStore
	Clock generic.Clock
	Audit generic.AuditSink
	Log   *zap.Logger
}

func NewAllocationService(store TxStore, clock generic.Clock, audit generic.AuditSink, log *zap.Logger) *AllocationService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if audit == nil {
		audit = generic.NopAudit{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AllocationService{Store: store, Clock: clock, Audit: audit, Log: log.Named("billing.allocations")}
}

type SubmitInput struct {
	ActorID             string
	CanManageAllocation bool // owner or financial admin of ProjectID
	ProjectID           string
	CostObjects         []CostObject
}

// Submit replaces the project's cost objects and resets the allocation to
// PENDING, discarding any previous review.
func (s *AllocationService) Submit(ctx context.Context, in SubmitInput) (*CostAllocation, error) {
	if !in.CanManageAllocation {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_allocation"}
	}
	if err := ValidateCostObjects(in.CostObjects); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	var out CostAllocation
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		project, err := tx.GetProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		if project == nil {
			return &generic.NotFoundError{Entity: "project", ID: in.ProjectID}
		}
		current, err := tx.GetAllocationByProject(ctx, in.ProjectID)
		if err != nil {
			return err
		}
		out = CostAllocation{ID: uuid.NewString(), ProjectID: in.ProjectID}
		if current != nil {
			out.ID = current.ID
		}
		out.Status = AllocationPending
		out.CostObjects = copyCostObjects(in.CostObjects)
		out.SubmittedBy = in.ActorID
		out.SubmittedAt = &now
		return tx.SaveAllocation(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("allocation submitted", zap.String("project_id", in.ProjectID), zap.Int("cost_objects", len(in.CostObjects)))
	s.audit(ctx, "allocation_submitted", in.ActorID, out, costObjectData(out.CostObjects))
	return &out, nil
}

type ReviewInput struct {
	ActorID          string
	CanManageBilling bool
	ProjectID        string
	Notes            string
}

// Approve freezes the pending split into a new current snapshot. The
// previous current snapshot is superseded at the same instant; both steps
// and the status change commit together or not at all.
func (s *AllocationService) Approve(ctx context.Context, in ReviewInput) (*Snapshot, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}

	now := s.Clock.Now()
	var snap Snapshot
	var alloc CostAllocation
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		a, err := loadAllocation(ctx, tx, in.ProjectID)
		if err != nil {
			return err
		}
		if a.Status != AllocationPending {
			return &generic.TransitionError{Entity: "allocation", ID: a.ID, From: string(a.Status), To: string(AllocationApproved)}
		}
		if len(a.CostObjects) == 0 {
			return &generic.ValidationError{Field: "cost_objects", Reason: "cannot approve an allocation without cost objects"}
		}

		history, err := tx.ListSnapshots(ctx, a.ID)
		if err != nil {
			return err
		}
		current, err := currentSnapshot(a.ID, history)
		if err != nil {
			return err
		}
		if current != nil {
			if err := tx.SupersedeSnapshot(ctx, current.ID, now); err != nil {
				return fmt.Errorf("failed to supersede snapshot %s: %w", current.ID, err)
			}
		}

		snap = Snapshot{
			ID:           uuid.NewString(),
			AllocationID: a.ID,
			ApprovedAt:   now,
			ApprovedBy:   in.ActorID,
			CostObjects:  copyCostObjects(a.CostObjects),
		}
		if err := tx.InsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		a.Status = AllocationApproved
		a.ReviewedBy = in.ActorID
		a.ReviewedAt = &now
		a.ReviewNotes = in.Notes
		alloc = *a
		return tx.SaveAllocation(ctx, alloc)
	})
	if err != nil {
		s.logInconsistency(err)
		return nil, err
	}

	s.Log.Info("allocation approved",
		zap.String("project_id", in.ProjectID),
		zap.String("allocation_id", alloc.ID),
		zap.String("snapshot_id", snap.ID))
	data := costObjectData(snap.CostObjects)
	data["snapshot_id"] = snap.ID
	s.audit(ctx, "allocation_approved", in.ActorID, alloc, data)
	return &snap, nil
}

// Reject moves a PENDING allocation to REJECTED. The current snapshot, if
// any, stays in force.
func (s *AllocationService) Reject(ctx context.Context, in ReviewInput) (*CostAllocation, error) {
	if !in.CanManageBilling {
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_billing"}
	}

	now := s.Clock.Now()
	var out CostAllocation
	err := s.Store.WithBillingTx(ctx, func(tx Store) error {
		a, err := loadAllocation(ctx, tx, in.ProjectID)
		if err != nil {
			return err
		}
		if a.Status != AllocationPending {
			return &generic.TransitionError{Entity: "allocation", ID: a.ID, From: string(a.Status), To: string(AllocationRejected)}
		}
		a.Status = AllocationRejected
		a.ReviewedBy = in.ActorID
		a.ReviewedAt = &now
		a.ReviewNotes = in.Notes
		out = *a
		return tx.SaveAllocation(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "allocation_rejected", in.ActorID, out, map[string]string{"notes": in.Notes})
	return &out, nil
}

func (s *AllocationService) Get(ctx context.Context, projectID string) (*CostAllocation, error) {
	return loadAllocation(ctx, s.Store, projectID)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateCostObjects checks codes and percentages. An empty list is valid
// (nothing configured yet); otherwise percentages must sum to exactly 100.
func ValidateCostObjects(objects []CostObject) error {
	if len(objects) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(objects))
	sum := decimal.Zero
	for i, co := range objects {
		field := fmt.Sprintf("cost_objects[%d]", i)
		code := strings.TrimSpace(co.Code)
		if code == "" {
			return &generic.ValidationError{Field: field, Reason: "code is required"}
		}
		if seen[code] {
			return &generic.ValidationError{Field: field, Reason: fmt.Sprintf("duplicate cost object %s", code)}
		}
		seen[code] = true
		if !co.Percentage.IsPositive() || co.Percentage.GreaterThan(generic.Hundred()) {
			return &generic.ValidationError{Field: field, Reason: "percentage must be in (0, 100]"}
		}
		if !co.Percentage.Round(2).Equal(co.Percentage) {
			return &generic.ValidationError{Field: field, Reason: "percentage allows at most two decimals"}
		}
		sum = sum.Add(co.Percentage)
	}
	if !sum.Equal(generic.Hundred()) {
		return &generic.ValidationError{Field: "cost_objects", Reason: fmt.Sprintf("percentages sum to %s, expected 100", sum.String())}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func loadAllocation(ctx context.Context, store Store, projectID string) (*CostAllocation, error) {
	a, err := store.GetAllocationByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation: %w", err)
	}
	if a == nil {
		return nil, &generic.NotFoundError{Entity: "allocation", ID: projectID}
	}
	return a, nil
}

func costObjectData(objects []CostObject) map[string]string {
	data := make(map[string]string, len(objects))
	for _, co := range objects {
		data["cost_object."+co.Code] = co.Percentage.String()
	}
	return data
}

func (s *AllocationService) audit(ctx context.Context, action, actorID string, a CostAllocation, data map[string]string) {
	if data == nil {
		data = map[string]string{}
	}
	data["project_id"] = a.ProjectID
	data["status"] = string(a.Status)
	s.Audit.Record(ctx, generic.AuditEvent{
		Action:     action,
		Category:   generic.AuditAllocations,
		ActorID:    actorID,
		TargetType: "cost_allocation",
		TargetID:   a.ID,
		Data:       data,
		At:         s.Clock.Now(),
	})
}
