// Package memory is a single-process Store guarded by one mutex. It backs
// STORE_DRIVER=memory and serves as the test double for the domain packages.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.Mutex
	perPerson int

	users     map[string]models.User
	branches  map[string]models.Branch
	services  map[string]models.Service
	barbers   map[string]map[string]bool
	tickets   map[string]models.Ticket
	sequences map[string]int64
	events    map[string][]store.TicketEvent

	ledger  map[string][]models.LedgerEntry
	stamps  []models.Stamp
	rewards map[string]models.Reward
	codes   map[string]string

	outbox    []store.OutboxEvent
	outboxSeq int64
	offsets   map[string]int64
}

var _ store.Store = (*Store)(nil)

func New(perPersonMinutes int) *Store {
	if perPersonMinutes <= 0 {
		perPersonMinutes = store.PerPersonMinutes
	}
	return &Store{
		perPerson: perPersonMinutes,
		users:     map[string]models.User{},
		branches:  map[string]models.Branch{},
		services:  map[string]models.Service{},
		barbers:   map[string]map[string]bool{},
		tickets:   map[string]models.Ticket{},
		sequences: map[string]int64{},
		events:    map[string][]store.TicketEvent{},
		ledger:    map[string][]models.LedgerEntry{},
		rewards:   map[string]models.Reward{},
		codes:     map[string]string{},
		offsets:   map[string]int64{},
	}
}

func (s *Store) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UserID] = user
}

func (s *Store) PutBranch(branch models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branch.BranchID] = branch
}

func (s *Store) PutService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) PutBarber(barber models.Barber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.barbers[barber.BranchID] == nil {
		s.barbers[barber.BranchID] = map[string]bool{}
	}
	s.barbers[barber.BranchID][barber.UserID] = true
}

func (s *Store) GetBranch(_ context.Context, branchID string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return branch, nil
}

func (s *Store) GetService(_ context.Context, serviceID string) (models.Service, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	return service, ok, nil
}

func (s *Store) IsBarberOfBranch(_ context.Context, userID, branchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barbers[branchID][userID], nil
}

func (s *Store) ListOutboxEvents(_ context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboxEvent
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetOutboxOffset(_ context.Context, consumer string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumer], nil
}

func (s *Store) UpdateOutboxOffset(_ context.Context, consumer string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.offsets[consumer] {
		s.offsets[consumer] = seq
	}
	return nil
}

func (s *Store) appendOutboxLocked(eventType string, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.outboxSeq++
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:        s.outboxSeq,
		EventID:    uuid.NewString(),
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  at,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// recordTicketLocked appends to the ticket's audit chain and mirrors the event
// into the outbox.
func (s *Store) recordTicketLocked(ticket models.Ticket, eventType string, at time.Time) error {
	payload, err := store.TicketEventPayload(ticket)
	if err != nil {
		return err
	}
	chain := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	s.events[ticket.TicketID] = append(chain, store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at))
	return s.appendOutboxLocked(eventType, json.RawMessage(payload), at)
}

func sortByTime[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}
