// Package queue is the single transition surface for tickets. Interactive
// handlers and the expiration sweep both go through Machine.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/auth"
	"qms/barberline/internal/config"
	"qms/barberline/internal/metrics"
	"qms/barberline/internal/models"
	"qms/barberline/internal/notify"
	"qms/barberline/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PolicySource interface {
	For(franchiseID string) config.Policy
}

// PointsLedger applies point deltas; satisfied by *ledger.Ledger.
type PointsLedger interface {
	ApplyDelta(ctx context.Context, userID string, points int, reason, relatedTicketID string) (models.LedgerEntry, error)
}

// Accruer evaluates loyalty for a completed ticket; satisfied by
// *loyalty.Engine.
type Accruer interface {
	Accrue(ctx context.Context, ticket models.Ticket) (*models.Reward, error)
}

type Options struct {
	Now      func() time.Time
	Logger   *slog.Logger
	Notifier notify.Notifier
	Tracer   trace.Tracer
}

type Machine struct {
	tickets   store.TicketStore
	directory store.Directory
	ledger    PointsLedger
	loyalty   Accruer
	policies  PolicySource
	notifier  notify.Notifier
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

type TakeInput struct {
	BranchID  string
	ServiceID string
	BarberID  string
	// UserID lets staff take a ticket on behalf of a client.
	UserID string
}

// SweepResult summarizes one expiration pass.
type SweepResult struct {
	Due      int
	Expired  int
	Failures int
}

func NewMachine(tickets store.TicketStore, directory store.Directory, ledger PointsLedger, loyalty Accruer, policies PolicySource, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("qms/barberline/queue")
	}
	return &Machine{
		tickets:   tickets,
		directory: directory,
		ledger:    ledger,
		loyalty:   loyalty,
		policies:  policies,
		notifier:  opts.Notifier,
		now:       opts.Now,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
	}
}

// Take creates a waiting ticket at the end of the branch queue and starts the
// arrival timer.
func (m *Machine) Take(ctx context.Context, caller auth.Caller, input TakeInput) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, "create", attribute.String("branch_id", input.BranchID))
	defer func() { m.finish(span, "create", err) }()

	if caller.SubjectID == "" {
		return models.Ticket{}, apperr.New(apperr.Unauthenticated, "missing caller")
	}
	if input.BranchID == "" {
		return models.Ticket{}, apperr.New(apperr.InvalidArgument, "branch_id is required")
	}
	userID := caller.SubjectID
	if input.UserID != "" && input.UserID != caller.SubjectID {
		if err := m.authorizeStaff(ctx, caller, input.BranchID); err != nil {
			return models.Ticket{}, err
		}
		userID = input.UserID
	}

	branch, err := m.directory.GetBranch(ctx, input.BranchID)
	if err != nil {
		return models.Ticket{}, err
	}
	if input.ServiceID != "" {
		service, found, err := m.directory.GetService(ctx, input.ServiceID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !found || service.FranchiseID != branch.FranchiseID {
			return models.Ticket{}, apperr.New(apperr.InvalidArgument, "service_id is not offered by this branch")
		}
	}
	policy := m.policies.For(branch.FranchiseID)

	now := m.now()
	ticket, err = m.tickets.CreateTicket(ctx, store.CreateTicketInput{
		UserID:            userID,
		BranchID:          branch.BranchID,
		BarberID:          input.BarberID,
		ServiceID:         input.ServiceID,
		MaxAdvanceTickets: policy.MaxAdvanceTickets,
		TimerExpiry:       now.Add(policy.ArrivalTimer()),
		CreatedAt:         now,
	})
	if err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket_id", ticket.TicketID))

	m.notify(ctx, ticket, "Ticket "+ticket.TicketNumber,
		"You are number "+strconv.Itoa(ticket.Position)+" in line. Please arrive within "+strconv.Itoa(policy.ArrivalTimerMinutes)+" minutes.")
	return ticket, nil
}

// Advance calls a waiting ticket forward and starts the grace timer.
func (m *Machine) Advance(ctx context.Context, caller auth.Caller, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, store.EventAdvance, attribute.String("ticket_id", ticketID))
	defer func() { m.finish(span, store.EventAdvance, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := m.authorizeStaff(ctx, caller, current.BranchID); err != nil {
		return models.Ticket{}, err
	}
	policy := m.policies.For(current.FranchiseID)
	now := m.now()
	expiry := now.Add(policy.GraceTimer())
	ticket, err = m.tickets.TransitionTicket(ctx, store.TransitionInput{
		TicketID:    ticketID,
		Event:       store.EventAdvance,
		OccurredAt:  now,
		TimerExpiry: &expiry,
	})
	if err != nil {
		return models.Ticket{}, err
	}
	m.notify(ctx, ticket, "It's your turn",
		"Ticket "+ticket.TicketNumber+" has been called. Please check in within "+strconv.Itoa(policy.GraceTimerMinutes)+" minutes.")
	return ticket, nil
}

// MarkArrival records that the client is on site. Allowed from waiting or
// notified, by the owner or staff of the branch.
func (m *Machine) MarkArrival(ctx context.Context, caller auth.Caller, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, store.EventArrive, attribute.String("ticket_id", ticketID))
	defer func() { m.finish(span, store.EventArrive, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := m.authorizeOwnerOrStaff(ctx, caller, current); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = m.tickets.TransitionTicket(ctx, store.TransitionInput{
		TicketID:   ticketID,
		Event:      store.EventArrive,
		OccurredAt: m.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	m.notify(ctx, ticket, "Check-in confirmed", "Ticket "+ticket.TicketNumber+" is checked in.")
	return ticket, nil
}

// StartService moves an arrived or notified ticket into service.
func (m *Machine) StartService(ctx context.Context, caller auth.Caller, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, store.EventStartService, attribute.String("ticket_id", ticketID))
	defer func() { m.finish(span, store.EventStartService, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := m.authorizeStaff(ctx, caller, current.BranchID); err != nil {
		return models.Ticket{}, err
	}
	return m.tickets.TransitionTicket(ctx, store.TransitionInput{
		TicketID:   ticketID,
		Event:      store.EventStartService,
		OccurredAt: m.now(),
	})
}

// Complete closes a ticket, awards the visit point and evaluates stamp
// accrual. Point and stamp failures are logged; the completion stands.
func (m *Machine) Complete(ctx context.Context, caller auth.Caller, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, store.EventComplete, attribute.String("ticket_id", ticketID))
	defer func() { m.finish(span, store.EventComplete, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := m.authorizeStaff(ctx, caller, current.BranchID); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = m.tickets.TransitionTicket(ctx, store.TransitionInput{
		TicketID:   ticketID,
		Event:      store.EventComplete,
		OccurredAt: m.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}

	m.applyPoints(ctx, ticket, models.PointsCompletedService, models.ReasonCompletedService)
	if m.loyalty != nil {
		if _, err := m.loyalty.Accrue(ctx, ticket); err != nil {
			m.logger.Error("stamp accrual failed", "ticket_id", ticket.TicketID, "user_id", ticket.UserID, "error", err)
		}
	}
	return ticket, nil
}

// Cancel ends a ticket. Owners cannot choose a reason: cancelling after being
// called counts as a late cancellation. Staff may pass any reason.
func (m *Machine) Cancel(ctx context.Context, caller auth.Caller, ticketID, reason string) (ticket models.Ticket, err error) {
	ctx, span := m.start(ctx, store.EventCancel, attribute.String("ticket_id", ticketID))
	defer func() { m.finish(span, store.EventCancel, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}

	input := store.TransitionInput{
		TicketID:       ticketID,
		Event:          store.EventCancel,
		ExpectedStatus: current.Status,
		OccurredAt:     m.now(),
	}
	switch {
	case caller.IsStaff():
		if err := m.authorizeStaff(ctx, caller, current.BranchID); err != nil {
			return models.Ticket{}, err
		}
		input.CancelReason = reason
		if input.CancelReason == "" {
			input.CancelReason = models.CancelReasonStaff
		}
	case caller.SubjectID != "" && caller.SubjectID == current.UserID:
		if reason != "" {
			return models.Ticket{}, apperr.New(apperr.PermissionDenied, "only staff may set a cancellation reason")
		}
		input.CancelReason = models.CancelReasonClientRequest
		if current.Status == models.StatusNotified {
			input.CancelReason = models.CancelReasonLateCancellation
		}
	case caller.SubjectID == "":
		return models.Ticket{}, apperr.New(apperr.Unauthenticated, "missing caller")
	default:
		return models.Ticket{}, store.ErrAccessDenied
	}
	if input.CancelReason == models.CancelReasonLateCancellation {
		input.PenaltyPoints = models.PointsLateCancellation
		input.PenaltyReason = models.ReasonLateCancellation
	}

	ticket, err = m.tickets.TransitionTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if input.PenaltyReason != "" {
		m.applyPoints(ctx, ticket, input.PenaltyPoints, input.PenaltyReason)
	}
	return ticket, nil
}

// Get returns a ticket to its owner or to staff.
func (m *Machine) Get(ctx context.Context, caller auth.Caller, ticketID string) (models.Ticket, error) {
	ticket, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if caller.IsStaff() || (caller.SubjectID != "" && caller.SubjectID == ticket.UserID) {
		return ticket, nil
	}
	if caller.SubjectID == "" {
		return models.Ticket{}, apperr.New(apperr.Unauthenticated, "missing caller")
	}
	return models.Ticket{}, store.ErrAccessDenied
}

// Queue lists the active tickets of a branch by position.
func (m *Machine) Queue(ctx context.Context, branchID string) ([]models.Ticket, error) {
	if branchID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "branch_id is required")
	}
	if _, err := m.directory.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	tickets, err := m.tickets.ListActiveTickets(ctx, branchID)
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, err
}

// Events returns the audit chain of a ticket to staff.
func (m *Machine) Events(ctx context.Context, caller auth.Caller, ticketID string) ([]store.TicketEvent, error) {
	if !caller.IsStaff() {
		return nil, store.ErrAccessDenied
	}
	return m.tickets.ListTicketEvents(ctx, ticketID)
}

// ExpireDue expires waiting and notified tickets whose timer elapsed. Status
// updates land as one batch; penalties and renumbering then run per user and
// per branch, and their failures are logged without stopping the pass.
func (m *Machine) ExpireDue(ctx context.Context, limit int) (result SweepResult, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.ExpireDue")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("due", result.Due), attribute.Int("expired", result.Expired))
		span.End()
	}()

	now := m.now()
	due, err := m.tickets.ListDueTickets(ctx, now, limit)
	if err != nil {
		return result, fmt.Errorf("list due tickets: %w", err)
	}
	result.Due = len(due)
	if len(due) == 0 {
		return result, nil
	}

	inputs := make([]store.ExpireInput, 0, len(due))
	for _, ticket := range due {
		points, reason, ok := ExpiryPenalty(ticket.Status)
		if !ok {
			continue
		}
		inputs = append(inputs, store.ExpireInput{
			TicketID:      ticket.TicketID,
			Status:        ticket.Status,
			PenaltyPoints: points,
			PenaltyReason: reason,
		})
	}
	expired, err := m.tickets.ExpireTickets(ctx, inputs, now)
	if err != nil {
		metrics.SweepFailures.WithLabelValues("batch").Inc()
		return result, fmt.Errorf("expire tickets: %w", err)
	}
	result.Expired = len(expired)
	metrics.SweepExpired.WithLabelValues("ticket").Add(float64(len(expired)))
	metrics.TicketTransitions.WithLabelValues(store.EventExpire, metrics.ResultOK).Add(float64(len(expired)))

	branches := make(map[string]bool)
	var order []string
	for _, ticket := range expired {
		if !branches[ticket.BranchID] {
			branches[ticket.BranchID] = true
			order = append(order, ticket.BranchID)
		}
	}
	for _, branchID := range order {
		if _, err := m.tickets.RecomputePositions(ctx, branchID); err != nil {
			result.Failures++
			metrics.SweepFailures.WithLabelValues("positions").Inc()
			m.logger.Error("position recompute failed", "branch_id", branchID, "error", err)
		}
	}

	for _, ticket := range expired {
		if ticket.PenaltyApplied != nil && m.ledger != nil {
			if _, err := m.ledger.ApplyDelta(ctx, ticket.UserID, *ticket.PenaltyApplied, ticket.PenaltyReason, ticket.TicketID); err != nil {
				result.Failures++
				metrics.SweepFailures.WithLabelValues("ledger").Inc()
				m.logger.Error("expiry penalty failed",
					"ticket_id", ticket.TicketID,
					"user_id", ticket.UserID,
					"reason", ticket.PenaltyReason,
					"error", err,
				)
			}
		}
		m.notify(ctx, ticket, "Ticket expired", "Ticket "+ticket.TicketNumber+" expired before check-in.")
	}
	return result, nil
}

// ExpiryPenalty maps the status a ticket expires from to its penalty.
func ExpiryPenalty(status string) (points int, reason string, ok bool) {
	switch status {
	case models.StatusWaiting:
		return models.PointsNoArrival, models.ReasonNoArrival, true
	case models.StatusNotified:
		return models.PointsNoShow, models.ReasonNoShow, true
	default:
		return 0, "", false
	}
}

func (m *Machine) load(ctx context.Context, ticketID string) (models.Ticket, error) {
	if ticketID == "" {
		return models.Ticket{}, apperr.New(apperr.InvalidArgument, "ticket_id is required")
	}
	return m.tickets.GetTicket(ctx, ticketID)
}

func (m *Machine) authorizeStaff(ctx context.Context, caller auth.Caller, branchID string) error {
	if caller.SubjectID == "" {
		return apperr.New(apperr.Unauthenticated, "missing caller")
	}
	if !caller.IsStaff() {
		return store.ErrAccessDenied
	}
	if caller.IsAdmin() {
		return nil
	}
	ok, err := m.directory.IsBarberOfBranch(ctx, caller.SubjectID, branchID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrAccessDenied
	}
	return nil
}

func (m *Machine) authorizeOwnerOrStaff(ctx context.Context, caller auth.Caller, ticket models.Ticket) error {
	if caller.SubjectID != "" && caller.SubjectID == ticket.UserID {
		return nil
	}
	return m.authorizeStaff(ctx, caller, ticket.BranchID)
}

func (m *Machine) applyPoints(ctx context.Context, ticket models.Ticket, points int, reason string) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.ApplyDelta(ctx, ticket.UserID, points, reason, ticket.TicketID); err != nil {
		m.logger.Error("ledger update failed",
			"ticket_id", ticket.TicketID,
			"user_id", ticket.UserID,
			"reason", reason,
			"error", err,
		)
	}
}

func (m *Machine) notify(ctx context.Context, ticket models.Ticket, title, body string) {
	m.notifier.Notify(ctx, ticket.UserID, notify.Payload{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"ticket_id":     ticket.TicketID,
			"ticket_number": ticket.TicketNumber,
			"status":        ticket.Status,
			"branch_id":     ticket.BranchID,
		},
	})
}

func (m *Machine) start(ctx context.Context, event string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "queue."+event, trace.WithAttributes(attrs...))
}

func (m *Machine) finish(span trace.Span, event string, err error) {
	result := metrics.ResultOK
	if err != nil {
		result = string(apperr.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.TicketTransitions.WithLabelValues(event, result).Inc()
	span.End()
}
