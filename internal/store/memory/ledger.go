package memory

import (
	"context"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
)

func (s *Store) ApplyDelta(_ context.Context, input store.LedgerInput) (models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[input.UserID]
	if !ok {
		return models.LedgerEntry{}, store.ErrUserNotFound
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	entry := models.LedgerEntry{
		TransactionID:   uuid.NewString(),
		UserID:          input.UserID,
		Points:          input.Points,
		Reason:          input.Reason,
		RelatedTicketID: input.RelatedTicketID,
		BalanceBefore:   user.Balance,
		BalanceAfter:    user.Balance + input.Points,
		CreatedAt:       createdAt,
	}
	if err := s.appendOutboxLocked("ledger.entry_appended", entry, createdAt); err != nil {
		return models.LedgerEntry{}, err
	}
	user.Balance = entry.BalanceAfter
	s.users[user.UserID] = user
	s.ledger[user.UserID] = append(s.ledger[user.UserID], entry)
	return entry, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, store.ErrUserNotFound
	}
	return user, nil
}

// ListLedgerEntries returns the newest entries first.
func (s *Store) ListLedgerEntries(_ context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, store.ErrUserNotFound
	}
	entries := s.ledger[userID]
	out := make([]models.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
