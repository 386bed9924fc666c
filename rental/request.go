/*
request.go - Reservation request lifecycle

PURPOSE:
  Entry points the request-handling layer calls. Identity and permission
  evaluation live outside: every input carries the actor and the
  precomputed capability booleans.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  (date, blocks) ──▶ Duration ──▶ Validate ──▶ PENDING            │
  │                                                  │               │
  │                        ┌─────────────────────────┼──────────┐    │
  │                        ▼                         ▼          ▼    │
  │          Approve: re-Validate in tx         Decline      Cancel  │
  │                        │                                         │
  │                        ▼                                         │
  │                    APPROVED                                      │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

APPROVAL RACE:
  Two approvals for overlapping windows on one node must not both succeed.
  Approve reloads the row, re-runs Validate and writes APPROVED inside one
  write transaction. Write transactions are serialized by the store, so the
  second approval sees the first one's APPROVED row and fails with
  ConflictError, leaving its reservation PENDING.

  The lead-time/horizon window is re-checked against the instant the
  reservation was requested: the rule constrains how far ahead people book,
  not how quickly managers respond.

SEE ALSO:
  - conflict.go: Validate
  - duration.go: Compute
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/noderental/generic"
)

// Recorder receives reservation outcome counts. Optional.
type Recorder interface {
	ReservationOutcome(action, outcome string)
}

type ReservationService struct {
	Store    TxStore
	Duration Duration
	Detector *ConflictDetector
	Clock    generic.Clock
	Audit    generic.AuditSink
	Metrics  Recorder
	Log      *zap.Logger
}

func NewReservationService(store TxStore, duration Duration, detector *ConflictDetector, clock generic.Clock, audit generic.AuditSink, log *zap.Logger) *ReservationService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if audit == nil {
		audit = generic.NopAudit{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReservationService{
		Store:    store,
		Duration: duration,
		Detector: detector,
		Clock:    clock,
		Audit:    audit,
		Log:      log.Named("rental.reservations"),
	}
}

// =============================================================================
// REQUEST
// =============================================================================

type RequestInput struct {
	ActorID   string
	CanBook   bool // actor is a member of ProjectID
	NodeID    string
	ProjectID string
	Date      time.Time
	Blocks    int
}

// Request creates a PENDING reservation after validating its window.
func (s *ReservationService) Request(ctx context.Context, in RequestInput) (*Reservation, error) {
	if !in.CanBook {
		s.outcome("request", "forbidden")
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "book_for_project"}
	}

	interval, err := s.Duration.Compute(in.Date, in.Blocks)
	if err != nil {
		s.outcome("request", "invalid")
		return nil, err
	}

	now := s.Clock.Now()
	res := Reservation{
		ID:          uuid.NewString(),
		NodeID:      in.NodeID,
		ProjectID:   in.ProjectID,
		RequestedBy: in.ActorID,
		Start:       interval.Start,
		End:         interval.End,
		Blocks:      in.Blocks,
		Status:      StatusPending,
		CreatedAt:   now,
	}

	err = s.Store.WithTx(ctx, func(tx Store) error {
		if err := requireNodeAndProject(ctx, tx, in.NodeID, in.ProjectID); err != nil {
			return err
		}
		if err := s.Detector.Validate(ctx, tx, res.Candidate(), now); err != nil {
			return err
		}
		return tx.SaveReservation(ctx, res)
	})
	if err != nil {
		s.outcome("request", outcomeOf(err))
		return nil, err
	}

	s.outcome("request", "ok")
	s.Log.Info("reservation requested",
		zap.String("reservation_id", res.ID),
		zap.String("node_id", res.NodeID),
		zap.String("project_id", res.ProjectID),
		zap.Time("start", res.Start),
		zap.Time("end", res.End))
	s.audit(ctx, "reservation_requested", in.ActorID, res, map[string]string{
		"blocks": fmt.Sprint(in.Blocks),
		"start":  res.Start.Format(time.RFC3339),
		"end":    res.End.Format(time.RFC3339),
	})
	return &res, nil
}

// =============================================================================
// APPROVE / DECLINE / CANCEL
// =============================================================================

type ApprovalInput struct {
	ActorID       string
	CanManage     bool // has rental-management capability
	ReservationID string
	Notes         string
}

// Approve moves a PENDING reservation to APPROVED after re-validating it
// inside the write transaction.
func (s *ReservationService) Approve(ctx context.Context, in ApprovalInput) (*Reservation, error) {
	if !in.CanManage {
		s.outcome("approve", "forbidden")
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_rentals"}
	}

	var approved Reservation
	err := s.Store.WithTx(ctx, func(tx Store) error {
		res, err := loadReservation(ctx, tx, in.ReservationID)
		if err != nil {
			return err
		}
		if res.Status != StatusPending {
			return &generic.TransitionError{Entity: "reservation", ID: res.ID, From: string(res.Status), To: string(StatusApproved)}
		}

		// Lead time is measured from the request; the window itself must
		// still lie ahead.
		if !res.Start.After(s.Clock.Now()) {
			return &generic.ValidationError{Field: "start", Reason: "reservation window has already started"}
		}
		if err := s.Detector.Validate(ctx, tx, res.Candidate(), res.CreatedAt); err != nil {
			return err
		}

		now := s.Clock.Now()
		res.Status = StatusApproved
		res.ProcessedBy = in.ActorID
		res.ProcessedAt = &now
		res.ManagerNotes = in.Notes
		if err := tx.SaveReservation(ctx, *res); err != nil {
			return err
		}
		approved = *res
		return nil
	})
	if err != nil {
		s.outcome("approve", outcomeOf(err))
		if generic.IsClientError(err) {
			s.Log.Warn("reservation approval rejected", zap.String("reservation_id", in.ReservationID), zap.Error(err))
		}
		return nil, err
	}

	s.outcome("approve", "ok")
	s.Log.Info("reservation approved", zap.String("reservation_id", approved.ID), zap.String("actor", in.ActorID))
	s.audit(ctx, "reservation_approved", in.ActorID, approved, map[string]string{"notes": in.Notes})
	return &approved, nil
}

// Decline moves a PENDING reservation to DECLINED.
func (s *ReservationService) Decline(ctx context.Context, in ApprovalInput) (*Reservation, error) {
	if !in.CanManage {
		s.outcome("decline", "forbidden")
		return nil, &generic.ForbiddenError{ActorID: in.ActorID, Capability: "manage_rentals"}
	}
	res, err := s.transition(ctx, in.ReservationID, StatusDeclined, in.ActorID, in.Notes, func(r *Reservation) error {
		if r.Status != StatusPending {
			return &generic.TransitionError{Entity: "reservation", ID: r.ID, From: string(r.Status), To: string(StatusDeclined)}
		}
		return nil
	})
	if err != nil {
		s.outcome("decline", outcomeOf(err))
		return nil, err
	}
	s.outcome("decline", "ok")
	s.audit(ctx, "reservation_declined", in.ActorID, *res, map[string]string{"notes": in.Notes})
	return res, nil
}

type CancelInput struct {
	ActorID       string
	CanManage     bool // rental manager, or owner/technical admin of the project
	ReservationID string
	Reason        string
}

// Cancel withdraws a PENDING reservation, or an APPROVED one whose window
// has not started yet; approved usage that has begun stays billable. The
// requester may always cancel their own reservation.
func (s *ReservationService) Cancel(ctx context.Context, in CancelInput) (*Reservation, error) {
	res, err := s.transition(ctx, in.ReservationID, StatusCancelled, in.ActorID, in.Reason, func(r *Reservation) error {
		if r.RequestedBy != in.ActorID && !in.CanManage {
			return &generic.ForbiddenError{ActorID: in.ActorID, Capability: "cancel_reservation"}
		}
		switch {
		case r.Status == StatusPending:
		case r.Status == StatusApproved && r.Start.After(s.Clock.Now()):
		default:
			return &generic.TransitionError{Entity: "reservation", ID: r.ID, From: string(r.Status), To: string(StatusCancelled)}
		}
		return nil
	})
	if err != nil {
		s.outcome("cancel", outcomeOf(err))
		return nil, err
	}
	s.outcome("cancel", "ok")
	s.audit(ctx, "reservation_cancelled", in.ActorID, *res, map[string]string{"reason": in.Reason})
	return res, nil
}

func (s *ReservationService) transition(ctx context.Context, id string, to Status, actorID, notes string, guard func(*Reservation) error) (*Reservation, error) {
	var out Reservation
	err := s.Store.WithTx(ctx, func(tx Store) error {
		res, err := loadReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := guard(res); err != nil {
			return err
		}
		now := s.Clock.Now()
		res.Status = to
		res.ProcessedBy = actorID
		res.ProcessedAt = &now
		if notes != "" {
			res.ManagerNotes = notes
		}
		if err := tx.SaveReservation(ctx, *res); err != nil {
			return err
		}
		out = *res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("reservation status changed", zap.String("reservation_id", id), zap.String("status", string(to)), zap.String("actor", actorID))
	return &out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Pending lists reservations awaiting a decision, oldest first.
func (s *ReservationService) Pending(ctx context.Context) ([]Reservation, error) {
	return s.Store.ListReservations(ctx, ReservationFilter{Statuses: []Status{StatusPending}})
}

// Availability projects the node calendar for a viewer.
func (s *ReservationService) Availability(ctx context.Context, nodeID string, from, to time.Time, viewerProjects []string) ([]DayAvailability, error) {
	node, err := s.Store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &generic.NotFoundError{Entity: "node", ID: nodeID}
	}
	return s.Detector.Availability(ctx, s.Store, nodeID, from, to, viewerProjects)
}

// =============================================================================
// HELPERS
// =============================================================================

func loadReservation(ctx context.Context, store Store, id string) (*Reservation, error) {
	res, err := store.GetReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	if res == nil {
		return nil, &generic.NotFoundError{Entity: "reservation", ID: id}
	}
	return res, nil
}

func requireNodeAndProject(ctx context.Context, store Store, nodeID, projectID string) error {
	node, err := store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return &generic.NotFoundError{Entity: "node", ID: nodeID}
	}
	if !node.Active {
		return &generic.ValidationError{Field: "node_id", Reason: "node is not available for booking"}
	}
	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return &generic.NotFoundError{Entity: "project", ID: projectID}
	}
	return nil
}

func (s *ReservationService) audit(ctx context.Context, action, actorID string, r Reservation, data map[string]string) {
	if data == nil {
		data = map[string]string{}
	}
	data["node_id"] = r.NodeID
	data["project_id"] = r.ProjectID
	data["status"] = string(r.Status)
	s.Audit.Record(ctx, generic.AuditEvent{
		Action:     action,
		Category:   generic.AuditReservations,
		ActorID:    actorID,
		TargetType: "reservation",
		TargetID:   r.ID,
		Data:       data,
		At:         s.Clock.Now(),
	})
}

func (s *ReservationService) outcome(action, outcome string) {
	if s.Metrics != nil {
		s.Metrics.ReservationOutcome(action, outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case generic.IsNotFound(err):
		return "not_found"
	case errors.Is(err, generic.ErrConflict):
		return "conflict"
	case errors.Is(err, generic.ErrForbidden):
		return "forbidden"
	case generic.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}
