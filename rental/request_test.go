package rental_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
	"github.com/warp/noderental/store/memory"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []generic.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, e generic.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ReservationOutcome(action, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[action+"/"+outcome]++
}

func newService(t *testing.T) (*rental.ReservationService, *memory.Memory, *recordingAudit) {
	t.Helper()
	store := seed(t)
	audit := &recordingAudit{}
	svc := rental.NewReservationService(
		store,
		rental.NewDuration(time.UTC),
		rental.NewConflictDetector(rental.DefaultLeadTimeDays, rental.DefaultHorizonMonths, time.UTC),
		generic.FixedClock{At: testNow},
		audit,
		nil,
	)
	return svc, store, audit
}

func request(t *testing.T, svc *rental.ReservationService, projectID string, date time.Time, blocks int) *rental.Reservation {
	t.Helper()
	res, err := svc.Request(context.Background(), rental.RequestInput{
		ActorID: "alice", CanBook: true, NodeID: "n1", ProjectID: projectID, Date: date, Blocks: blocks,
	})
	require.NoError(t, err)
	return res
}

func TestReservationService_Request(t *testing.T) {
	ctx := context.Background()
	svc, store, audit := newService(t)

	// WHEN
	res := request(t, svc, "p1", generic.Date(2025, time.March, 10), 2)

	// THEN
	assert.Equal(t, rental.StatusPending, res.Status)
	assert.Equal(t, time.Date(2025, time.March, 10, 16, 0, 0, 0, time.UTC), res.Start)
	assert.Equal(t, time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC), res.End)
	assert.Equal(t, testNow, res.CreatedAt)

	stored, err := store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rental.StatusPending, stored.Status)
	assert.Equal(t, []string{"reservation_requested"}, audit.actions())
}

func TestReservationService_RequestRejections(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	date := generic.Date(2025, time.March, 10)

	tests := []struct {
		name string
		in   rental.RequestInput
		want error
	}{
		{"not a member", rental.RequestInput{ActorID: "eve", NodeID: "n1", ProjectID: "p1", Date: date, Blocks: 1}, generic.ErrForbidden},
		{"too many blocks", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "n1", ProjectID: "p1", Date: date, Blocks: 15}, generic.ErrValidation},
		{"inside lead time", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "n1", ProjectID: "p1", Date: generic.Date(2025, time.March, 5), Blocks: 1}, generic.ErrValidation},
		{"past horizon", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "n1", ProjectID: "p1", Date: generic.Date(2025, time.July, 1), Blocks: 1}, generic.ErrValidation},
		{"unknown node", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "nope", ProjectID: "p1", Date: date, Blocks: 1}, generic.ErrNotFound},
		{"inactive node", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "n2", ProjectID: "p1", Date: date, Blocks: 1}, generic.ErrValidation},
		{"unknown project", rental.RequestInput{ActorID: "alice", CanBook: true, NodeID: "n1", ProjectID: "nope", Date: date, Blocks: 1}, generic.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Request(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected requests leave no rows")
}

func TestReservationService_ApproveThenConflict(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	// GIVEN: two overlapping pending requests (pending does not block requests)
	first := request(t, svc, "p1", generic.Date(2025, time.March, 10), 2)
	second := request(t, svc, "p2", generic.Date(2025, time.March, 9), 4)

	// WHEN: the first is approved
	approvedRes, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: first.ID, Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, rental.StatusApproved, approvedRes.Status)
	assert.Equal(t, "mgr", approvedRes.ProcessedBy)
	require.NotNil(t, approvedRes.ProcessedAt)

	// THEN: approving the second fails and it stays pending
	_, err = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: second.ID})
	var ce *generic.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.ConflictingID)

	stored, err := store.GetReservation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, rental.StatusPending, stored.Status)
	assert.Empty(t, stored.ProcessedBy)
}

func TestReservationService_ConcurrentApprovals(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, request(t, svc, "p1", generic.Date(2025, time.March, 10), 2).ID)
	}

	// WHEN: all overlapping requests are approved at once
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: id})
		}(i, id)
	}
	wg.Wait()

	// THEN: exactly one wins
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, generic.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	approvedRows, err := store.ListReservations(ctx, rental.ReservationFilter{Statuses: []rental.Status{rental.StatusApproved}})
	require.NoError(t, err)
	assert.Len(t, approvedRows, 1)
}

func TestReservationService_ApproveAnchorsLeadTimeAtRequest(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	res := request(t, svc, "p1", generic.Date(2025, time.March, 10), 1)

	// GIVEN: the manager only gets to it two days before the start
	svc.Clock = generic.FixedClock{At: time.Date(2025, time.March, 8, 9, 0, 0, 0, time.UTC)}

	// THEN: approval still succeeds
	out, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})
	require.NoError(t, err)
	assert.Equal(t, rental.StatusApproved, out.Status)
}

func TestReservationService_ApproveRejectsStartedWindow(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	res := request(t, svc, "p1", generic.Date(2025, time.March, 10), 4)

	// GIVEN: the request sat in the queue until after its window began
	svc.Clock = generic.FixedClock{At: time.Date(2025, time.April, 15, 9, 0, 0, 0, time.UTC)}

	// WHEN: a manager approves it
	_, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})

	// THEN: it is rejected and stays PENDING
	var ve *generic.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "start", ve.Field)
	stored, err := store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, rental.StatusPending, stored.Status)

	// AND: the same holds one minute after the 16:00 start
	svc.Clock = generic.FixedClock{At: time.Date(2025, time.March, 10, 16, 1, 0, 0, time.UTC)}
	_, err = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestReservationService_ApproveGuards(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	recorder := &countingRecorder{}
	svc.Metrics = recorder
	res := request(t, svc, "p1", generic.Date(2025, time.March, 10), 1)

	_, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "alice", ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: "missing"})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = svc.Decline(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID, Notes: "maintenance"})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	assert.Equal(t, 1, recorder.counts["approve/forbidden"])
	assert.Equal(t, 1, recorder.counts["approve/not_found"])
	assert.Equal(t, 1, recorder.counts["approve/invalid"])
	assert.Equal(t, 1, recorder.counts["decline/ok"])
}

func TestReservationService_Cancel(t *testing.T) {
	ctx := context.Background()
	svc, _, audit := newService(t)
	res := request(t, svc, "p1", generic.Date(2025, time.March, 10), 1)
	_, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})
	require.NoError(t, err)

	// A stranger cannot cancel
	_, err = svc.Cancel(ctx, rental.CancelInput{ActorID: "eve", ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	// The requester can, even once approved
	out, err := svc.Cancel(ctx, rental.CancelInput{ActorID: "alice", ReservationID: res.ID, Reason: "plans changed"})
	require.NoError(t, err)
	assert.Equal(t, rental.StatusCancelled, out.Status)
	assert.Equal(t, "plans changed", out.ManagerNotes)

	// Cancelled is terminal
	_, err = svc.Cancel(ctx, rental.CancelInput{ActorID: "mgr", CanManage: true, ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	// The freed window can be booked and approved again
	again := request(t, svc, "p2", generic.Date(2025, time.March, 10), 1)
	_, err = svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: again.ID})
	assert.NoError(t, err)

	assert.Contains(t, audit.actions(), "reservation_cancelled")
}

func TestReservationService_CancelAfterStartIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	used := request(t, svc, "p1", generic.Date(2025, time.March, 10), 4)
	_, err := svc.Approve(ctx, rental.ApprovalInput{ActorID: "mgr", CanManage: true, ReservationID: used.ID})
	require.NoError(t, err)
	pending := request(t, svc, "p2", generic.Date(2025, time.March, 20), 1)

	// GIVEN: the approved window has been used and its month is over
	svc.Clock = generic.FixedClock{At: time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)}

	// WHEN: a manager tries to cancel it
	_, err = svc.Cancel(ctx, rental.CancelInput{ActorID: "mgr", CanManage: true, ReservationID: used.ID, Reason: "refund"})

	// THEN: the transition is refused and the reservation stays billable
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	stored, err := store.GetReservation(ctx, used.ID)
	require.NoError(t, err)
	assert.Equal(t, rental.StatusApproved, stored.Status)

	// AND: a pending request can still be withdrawn at any time
	out, err := svc.Cancel(ctx, rental.CancelInput{ActorID: "alice", ReservationID: pending.ID})
	require.NoError(t, err)
	assert.Equal(t, rental.StatusCancelled, out.Status)
}

func TestReservationService_AvailabilityUnknownNode(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Availability(context.Background(), "missing", generic.Date(2025, time.March, 10), generic.Date(2025, time.March, 11), nil)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestRoles(t *testing.T) {
	owner := &rental.Membership{ProjectID: "p1", ActorID: "a", Role: rental.RoleOwner}
	fin := &rental.Membership{ProjectID: "p1", ActorID: "b", Role: rental.RoleFinancialAdmin}
	tech := &rental.Membership{ProjectID: "p1", ActorID: "c", Role: rental.RoleTechnicalAdmin}
	member := &rental.Membership{ProjectID: "p1", ActorID: "d", Role: rental.RoleMember}

	assert.False(t, rental.CanBook(nil))
	for _, m := range []*rental.Membership{owner, fin, tech, member} {
		assert.True(t, rental.CanBook(m))
	}
	assert.True(t, rental.CanManageAllocation(owner))
	assert.True(t, rental.CanManageAllocation(fin))
	assert.False(t, rental.CanManageAllocation(tech))
	assert.False(t, rental.CanManageAllocation(member))
	assert.True(t, rental.CanCancelForProject(tech))
	assert.False(t, rental.CanCancelForProject(fin))
}
