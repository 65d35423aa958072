package memory

import (
	"context"
	"fmt"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateTicket(_ context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[input.BranchID]
	if !ok {
		return models.Ticket{}, store.ErrBranchNotFound
	}
	user, ok := s.users[input.UserID]
	if !ok {
		return models.Ticket{}, store.ErrUserNotFound
	}
	if user.Balance < 0 {
		return models.Ticket{}, store.ErrNegativeBalance
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	for _, t := range s.activeLocked(input.BranchID) {
		if t.UserID == input.UserID {
			return models.Ticket{}, store.ErrActiveTicketExists
		}
	}
	// Expired tickets leave gaps until the sweep recomputes positions.
	active := s.renumberLocked(input.BranchID, createdAt)
	position, err := store.AdmitPosition(active, input.MaxAdvanceTickets)
	if err != nil {
		return models.Ticket{}, err
	}
	day := store.TicketDay(createdAt)
	key := fmt.Sprintf("%s|%s", branch.BranchID, day.Format("20060102"))
	s.sequences[key]++

	expiry := input.TimerExpiry
	ticket := models.Ticket{
		TicketID:          uuid.NewString(),
		TicketNumber:      store.FormatTicketNumber(branch.Code, day, s.sequences[key]),
		UserID:            input.UserID,
		FranchiseID:       branch.FranchiseID,
		BranchID:          branch.BranchID,
		BarberID:          input.BarberID,
		ServiceID:         input.ServiceID,
		Status:            models.StatusWaiting,
		Position:          position,
		EstimatedWaitTime: store.EstimatedWait(position, s.perPerson),
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	if !expiry.IsZero() {
		ticket.TimerExpiry = &expiry
	}
	s.tickets[ticket.TicketID] = ticket
	if err := s.recordTicketLocked(ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListActiveTickets(_ context.Context, branchID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(branchID), nil
}

func (s *Store) TransitionTicket(_ context.Context, input store.TransitionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if input.OccurredAt.IsZero() {
		input.OccurredAt = time.Now().UTC()
	}
	if err := store.ApplyTransition(&ticket, input); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[ticket.TicketID] = ticket
	if err := s.recordTicketLocked(ticket, store.EventType(input.Event), input.OccurredAt); err != nil {
		return models.Ticket{}, err
	}
	if models.IsTerminal(ticket.Status) {
		s.renumberLocked(ticket.BranchID, input.OccurredAt)
	}
	return s.tickets[ticket.TicketID], nil
}

func (s *Store) RecomputePositions(_ context.Context, branchID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renumberLocked(branchID, time.Now().UTC()), nil
}

func (s *Store) ListDueTickets(_ context.Context, now time.Time, limit int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Ticket
	for _, t := range s.tickets {
		if store.ValidTransition(store.EventExpire, t.Status) && t.TimerExpiry != nil && !t.TimerExpiry.After(now) {
			due = append(due, t)
		}
	}
	sortByTime(due, func(t models.Ticket) time.Time { return *t.TimerExpiry })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ExpireTickets applies every still-eligible expiry as one batch. Tickets whose
// status changed since they were listed, or whose timer moved, are skipped.
func (s *Store) ExpireTickets(_ context.Context, inputs []store.ExpireInput, now time.Time) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Ticket
	for _, in := range inputs {
		ticket, ok := s.tickets[in.TicketID]
		if !ok || ticket.Status != in.Status || ticket.TimerExpiry == nil || ticket.TimerExpiry.After(now) {
			continue
		}
		err := store.ApplyTransition(&ticket, store.TransitionInput{
			TicketID:       in.TicketID,
			Event:          store.EventExpire,
			ExpectedStatus: in.Status,
			OccurredAt:     now,
			PenaltyPoints:  in.PenaltyPoints,
			PenaltyReason:  in.PenaltyReason,
		})
		if err != nil {
			continue
		}
		s.tickets[ticket.TicketID] = ticket
		if err := s.recordTicketLocked(ticket, store.EventType(store.EventExpire), now); err != nil {
			return nil, err
		}
		expired = append(expired, ticket)
	}
	return expired, nil
}

func (s *Store) ListTicketEvents(_ context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	chain := s.events[ticketID]
	out := make([]store.TicketEvent, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *Store) activeLocked(branchID string) []models.Ticket {
	var active []models.Ticket
	for _, t := range s.tickets {
		if t.BranchID == branchID && models.IsActive(t.Status) {
			active = append(active, t)
		}
	}
	return store.SortByPosition(active)
}

func (s *Store) renumberLocked(branchID string, at time.Time) []models.Ticket {
	active := s.activeLocked(branchID)
	before := make(map[string]int, len(active))
	for _, t := range active {
		before[t.TicketID] = t.Position
	}
	active = store.Renumber(active, s.perPerson)
	for i := range active {
		if before[active[i].TicketID] != active[i].Position {
			active[i].UpdatedAt = at
		}
		s.tickets[active[i].TicketID] = active[i]
	}
	return active
}
