package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/auth"
	"qms/barberline/internal/config"
	"qms/barberline/internal/ledger"
	"qms/barberline/internal/loyalty"
	"qms/barberline/internal/models"
	"qms/barberline/internal/notify"
	"qms/barberline/internal/store"
	"qms/barberline/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles map[string][]string
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, payload notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.titles == nil {
		n.titles = map[string][]string{}
	}
	n.titles[userID] = append(n.titles[userID], payload.Title)
}

func (n *recordingNotifier) For(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles[userID]...)
}

type failingLedger struct{}

func (failingLedger) ApplyDelta(context.Context, string, int, string, string) (models.LedgerEntry, error) {
	return models.LedgerEntry{}, fmt.Errorf("ledger unavailable")
}

// snapshotLedger records the branch queue positions at the moment each
// penalty is booked.
type snapshotLedger struct {
	st        *memory.Store
	positions [][]int
}

func (l *snapshotLedger) ApplyDelta(ctx context.Context, userID string, delta int, reason, ticketID string) (models.LedgerEntry, error) {
	active, err := l.st.ListActiveTickets(ctx, "b-1")
	if err != nil {
		return models.LedgerEntry{}, err
	}
	var positions []int
	for _, ticket := range active {
		positions = append(positions, ticket.Position)
	}
	l.positions = append(l.positions, positions)
	return models.LedgerEntry{UserID: userID, Points: delta, Reason: reason, RelatedTicketID: ticketID}, nil
}

type fixture struct {
	st       *memory.Store
	machine  *Machine
	clock    *clock
	notifier *recordingNotifier
	policies *config.Policies
}

var (
	barber = auth.Caller{SubjectID: "barber-1", Role: auth.RoleBarber}
	admin  = auth.Caller{SubjectID: "admin-1", Role: auth.RoleAdmin}
)

func client(id string) auth.Caller {
	return auth.Caller{SubjectID: id, Role: auth.RoleClient}
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	st := memory.New(store.PerPersonMinutes)
	st.PutBranch(models.Branch{BranchID: "b-1", FranchiseID: "f-1", Code: "DOWN", Name: "Downtown"})
	st.PutBranch(models.Branch{BranchID: "b-2", FranchiseID: "f-1", Code: "UPTN", Name: "Uptown"})
	st.PutService(models.Service{ServiceID: "svc-cut", FranchiseID: "f-1", Name: "Cut", Price: decimal.RequireFromString("20.00")})
	st.PutService(models.Service{ServiceID: "svc-other", FranchiseID: "f-2", Name: "Other"})
	st.PutBarber(models.Barber{BarberID: "br-1", UserID: "barber-1", BranchID: "b-1"})
	for _, id := range users {
		st.PutUser(models.User{UserID: id})
	}

	c := &clock{now: time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)}
	policies := config.DefaultPolicies()
	policies.Default.StampsRequired = 2
	policies.Default.MaxAdvanceTickets = 0
	n := &recordingNotifier{}
	l := ledger.New(st, ledger.Options{Now: c.Now})
	engine := loyalty.NewEngine(st, st, policies, loyalty.Options{Now: c.Now, Notifier: n})
	m := NewMachine(st, st, l, engine, policies, Options{Now: c.Now, Notifier: n})
	return &fixture{st: st, machine: m, clock: c, notifier: n, policies: policies}
}

func (f *fixture) take(t *testing.T, userID string) models.Ticket {
	t.Helper()
	ticket, err := f.machine.Take(context.Background(), client(userID), TakeInput{BranchID: "b-1", ServiceID: "svc-cut", BarberID: "br-1"})
	require.NoError(t, err)
	return ticket
}

func (f *fixture) balance(t *testing.T, userID string) int {
	t.Helper()
	user, err := f.st.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

func TestHappyPathScenario(t *testing.T) {
	f := newFixture(t, "u-1")
	ctx := context.Background()
	start := f.clock.Now()

	ticket := f.take(t, "u-1")
	assert.Equal(t, models.StatusWaiting, ticket.Status)
	assert.Equal(t, 1, ticket.Position)
	assert.Equal(t, "DOWN-20260703-001", ticket.TicketNumber)
	require.NotNil(t, ticket.TimerExpiry)
	assert.Equal(t, start.Add(10*time.Minute), *ticket.TimerExpiry)

	f.clock.Advance(time.Minute)
	notified, err := f.machine.Advance(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotified, notified.Status)
	require.NotNil(t, notified.TimerExpiry)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *notified.TimerExpiry)

	arrived, err := f.machine.MarkArrival(ctx, client("u-1"), ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArrived, arrived.Status)
	assert.Nil(t, arrived.TimerExpiry)
	require.NotNil(t, arrived.ArrivedAt)

	completed, err := f.machine.Complete(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Equal(t, 1, f.balance(t, "u-1"))

	stamps, err := f.st.ListStamps(ctx, "u-1", "f-1")
	require.NoError(t, err)
	require.Len(t, stamps, 1)
	assert.Equal(t, ticket.TicketID, stamps[0].RelatedTicketID)

	assert.Equal(t, []string{"Ticket DOWN-20260703-001", "It's your turn", "Check-in confirmed"}, f.notifier.For("u-1"))
}

func TestStartServiceThenComplete(t *testing.T) {
	f := newFixture(t, "u-1")
	ctx := context.Background()
	ticket := f.take(t, "u-1")

	_, err := f.machine.StartService(ctx, barber, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = f.machine.Advance(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	inService, err := f.machine.StartService(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInService, inService.Status)
	assert.Nil(t, inService.TimerExpiry)

	_, err = f.machine.Complete(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, barber, ticket.TicketID)
	assert.Equal(t, apperr.FailedPrecondition, apperr.CodeOf(err))
}

func TestStaffOnlyTransitions(t *testing.T) {
	f := newFixture(t, "u-1", "u-2")
	ctx := context.Background()
	ticket := f.take(t, "u-1")

	_, err := f.machine.Advance(ctx, client("u-1"), ticket.TicketID)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	_, err = f.machine.MarkArrival(ctx, client("u-2"), ticket.TicketID)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	otherBarber := auth.Caller{SubjectID: "barber-9", Role: auth.RoleBarber}
	_, err = f.machine.Advance(ctx, otherBarber, ticket.TicketID)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	_, err = f.machine.MarkArrival(ctx, client("u-1"), ticket.TicketID)
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, client("u-1"), ticket.TicketID)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	_, err = f.machine.Complete(ctx, admin, ticket.TicketID)
	require.NoError(t, err)

	_, err = f.machine.Advance(ctx, auth.Caller{}, ticket.TicketID)
	assert.Equal(t, apperr.Unauthenticated, apperr.CodeOf(err))
}

func TestTakeAdmissionRules(t *testing.T) {
	f := newFixture(t, "u-1", "u-2", "u-3", "u-4")
	ctx := context.Background()
	f.policies.Default.MaxAdvanceTickets = 2

	_, err := f.machine.Take(ctx, client("u-1"), TakeInput{})
	assert.Equal(t, apperr.InvalidArgument, apperr.CodeOf(err))

	_, err = f.machine.Take(ctx, client("u-1"), TakeInput{BranchID: "b-1", ServiceID: "svc-other"})
	assert.Equal(t, apperr.InvalidArgument, apperr.CodeOf(err))

	_, err = f.machine.Take(ctx, client("u-1"), TakeInput{BranchID: "missing"})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	first := f.take(t, "u-1")
	_, err = f.machine.Take(ctx, client("u-1"), TakeInput{BranchID: "b-1"})
	assert.Equal(t, apperr.AlreadyExists, apperr.CodeOf(err))

	f.take(t, "u-2")
	_, err = f.machine.Take(ctx, client("u-3"), TakeInput{BranchID: "b-1"})
	assert.Equal(t, apperr.ResourceExhausted, apperr.CodeOf(err))

	_, err = f.machine.Advance(ctx, barber, first.TicketID)
	require.NoError(t, err)
	third := f.take(t, "u-3")
	assert.Equal(t, 3, third.Position)

	_, err = f.machine.Take(ctx, client("u-1"), TakeInput{BranchID: "b-1", UserID: "u-4"})
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	_, err = f.st.ApplyDelta(ctx, store.LedgerInput{UserID: "u-4", Points: -1, Reason: models.ReasonNoShow})
	require.NoError(t, err)
	_, err = f.machine.Take(ctx, client("u-4"), TakeInput{BranchID: "b-2"})
	assert.ErrorIs(t, err, store.ErrNegativeBalance)
}

func TestStaffTakesTicketOnBehalfOfClient(t *testing.T) {
	f := newFixture(t, "u-1")
	ticket, err := f.machine.Take(context.Background(), barber, TakeInput{BranchID: "b-1", UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", ticket.UserID)

	_, err = f.machine.Take(context.Background(), barber, TakeInput{BranchID: "b-2", UserID: "u-1"})
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))
}

func TestCompletionRenumbersRemainingTickets(t *testing.T) {
	f := newFixture(t, "u-1", "u-2", "u-3")
	ctx := context.Background()

	first := f.take(t, "u-1")
	f.clock.Advance(time.Second)
	f.take(t, "u-2")
	f.clock.Advance(time.Second)
	third := f.take(t, "u-3")
	assert.Equal(t, 3, third.Position)

	_, err := f.machine.MarkArrival(ctx, client("u-1"), first.TicketID)
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, barber, first.TicketID)
	require.NoError(t, err)

	queue, err := f.machine.Queue(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	for i, ticket := range queue {
		assert.Equal(t, i+1, ticket.Position)
		assert.Equal(t, i*30, ticket.EstimatedWaitTime)
	}
	assert.Equal(t, third.TicketID, queue[1].TicketID)
}

func TestClientCancellationReasons(t *testing.T) {
	f := newFixture(t, "u-1", "u-2")
	ctx := context.Background()

	early := f.take(t, "u-1")
	_, err := f.machine.Cancel(ctx, client("u-1"), early.TicketID, "changed_mind")
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	cancelled, err := f.machine.Cancel(ctx, client("u-1"), early.TicketID, "")
	require.NoError(t, err)
	assert.Equal(t, models.CancelReasonClientRequest, cancelled.CancelReason)
	assert.Nil(t, cancelled.PenaltyApplied)
	assert.Equal(t, 0, f.balance(t, "u-1"))

	late := f.take(t, "u-2")
	_, err = f.machine.Cancel(ctx, client("u-1"), late.TicketID, "")
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	_, err = f.machine.Advance(ctx, barber, late.TicketID)
	require.NoError(t, err)
	cancelled, err = f.machine.Cancel(ctx, client("u-2"), late.TicketID, "")
	require.NoError(t, err)
	assert.Equal(t, models.CancelReasonLateCancellation, cancelled.CancelReason)
	require.NotNil(t, cancelled.PenaltyApplied)
	assert.Equal(t, -5, *cancelled.PenaltyApplied)
	assert.Equal(t, -5, f.balance(t, "u-2"))

	_, err = f.machine.Cancel(ctx, client("u-2"), late.TicketID, "")
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestStaffCancellation(t *testing.T) {
	f := newFixture(t, "u-1", "u-2")
	ctx := context.Background()

	a := f.take(t, "u-1")
	cancelled, err := f.machine.Cancel(ctx, barber, a.TicketID, "")
	require.NoError(t, err)
	assert.Equal(t, models.CancelReasonStaff, cancelled.CancelReason)

	b := f.take(t, "u-2")
	cancelled, err = f.machine.Cancel(ctx, admin, b.TicketID, models.CancelReasonLateCancellation)
	require.NoError(t, err)
	assert.Equal(t, models.CancelReasonLateCancellation, cancelled.CancelReason)
	assert.Equal(t, -5, f.balance(t, "u-2"))
}

func TestExpireDueAppliesPenaltiesAndRenumbers(t *testing.T) {
	f := newFixture(t, "u-1", "u-2", "u-3")
	ctx := context.Background()

	waiting := f.take(t, "u-1")
	f.clock.Advance(time.Second)
	notified := f.take(t, "u-2")
	f.clock.Advance(time.Second)
	survivor := f.take(t, "u-3")

	f.clock.Advance(8 * time.Minute)
	_, err := f.machine.Advance(ctx, barber, notified.TicketID)
	require.NoError(t, err)
	_, err = f.machine.MarkArrival(ctx, client("u-3"), survivor.TicketID)
	require.NoError(t, err)

	result, err := f.machine.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	f.clock.Advance(6 * time.Minute)
	result, err = f.machine.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 2, result.Expired)
	assert.Zero(t, result.Failures)

	assert.Equal(t, -10, f.balance(t, "u-1"))
	assert.Equal(t, -15, f.balance(t, "u-2"))
	assert.Equal(t, 0, f.balance(t, "u-3"))

	got, err := f.machine.Get(ctx, client("u-1"), waiting.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, models.ReasonNoArrival, got.PenaltyReason)
	assert.Nil(t, got.TimerExpiry)

	got, err = f.machine.Get(ctx, client("u-2"), notified.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNoShow, got.PenaltyReason)

	queue, err := f.machine.Queue(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 1, queue[0].Position)

	result, err = f.machine.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Equal(t, -10, f.balance(t, "u-1"))
	assert.Contains(t, f.notifier.For("u-1"), "Ticket expired")
}

func TestExpireDueSwallowsLedgerFailures(t *testing.T) {
	f := newFixture(t, "u-1", "u-2")
	ctx := context.Background()
	f.take(t, "u-1")
	f.take(t, "u-2")

	m := NewMachine(f.st, f.st, failingLedger{}, nil, f.policies, Options{Now: f.clock.Now})
	f.clock.Advance(11 * time.Minute)
	result, err := m.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Expired)
	assert.Equal(t, 2, result.Failures)

	queue, err := m.Queue(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestExpireDueRenumbersBeforePenalties(t *testing.T) {
	f := newFixture(t, "u-1", "u-2", "u-3")
	ctx := context.Background()
	first := f.take(t, "u-1")
	f.clock.Advance(time.Second)
	f.take(t, "u-2")
	f.clock.Advance(time.Second)
	third := f.take(t, "u-3")

	_, err := f.machine.MarkArrival(ctx, client("u-1"), first.TicketID)
	require.NoError(t, err)
	_, err = f.machine.MarkArrival(ctx, client("u-3"), third.TicketID)
	require.NoError(t, err)

	recorder := &snapshotLedger{st: f.st}
	m := NewMachine(f.st, f.st, recorder, nil, f.policies, Options{Now: f.clock.Now})
	f.clock.Advance(11 * time.Minute)
	result, err := m.ExpireDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, result.Failures)

	require.Len(t, recorder.positions, 1)
	assert.Equal(t, []int{1, 2}, recorder.positions[0])
}

func TestCompleteSurvivesLedgerFailure(t *testing.T) {
	f := newFixture(t, "u-1")
	ctx := context.Background()
	ticket := f.take(t, "u-1")

	m := NewMachine(f.st, f.st, failingLedger{}, nil, f.policies, Options{Now: f.clock.Now})
	_, err := m.MarkArrival(ctx, client("u-1"), ticket.TicketID)
	require.NoError(t, err)
	completed, err := m.Complete(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
}

func TestLoyaltyThresholdAcrossVisits(t *testing.T) {
	f := newFixture(t, "u-1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ticket := f.take(t, "u-1")
		_, err := f.machine.MarkArrival(ctx, client("u-1"), ticket.TicketID)
		require.NoError(t, err)
		_, err = f.machine.Complete(ctx, barber, ticket.TicketID)
		require.NoError(t, err)
	}

	rewards, err := f.st.ListRewards(ctx, "u-1", "f-1")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Regexp(t, `^RWD-[A-Z0-9]{12}$`, rewards[0].Code)
	assert.Equal(t, 2, f.balance(t, "u-1"))
}

func TestConcurrentTakesKeepPositionsDense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f.st.PutUser(models.User{UserID: fmt.Sprintf("c-%d", i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.machine.Take(ctx, client(fmt.Sprintf("c-%d", n)), TakeInput{BranchID: "b-1"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	queue, err := f.machine.Queue(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, queue, 20)

	for i := 0; i < 20; i += 3 {
		wg.Add(1)
		go func(ticketID string) {
			defer wg.Done()
			_, err := f.machine.Cancel(ctx, admin, ticketID, "")
			assert.NoError(t, err)
		}(queue[i].TicketID)
	}
	wg.Wait()

	queue, err = f.machine.Queue(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, queue, 13)
	for i, ticket := range queue {
		assert.Equal(t, i+1, ticket.Position)
	}
}

func TestEventsRequireStaff(t *testing.T) {
	f := newFixture(t, "u-1")
	ctx := context.Background()
	ticket := f.take(t, "u-1")

	_, err := f.machine.Events(ctx, client("u-1"), ticket.TicketID)
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(err))

	events, err := f.machine.Events(ctx, barber, ticket.TicketID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, store.VerifyTicketChain(events))
}
