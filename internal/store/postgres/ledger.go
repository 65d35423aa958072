package postgres

import (
	"context"
	"errors"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ApplyDelta reads the balance under a row lock, appends the entry and writes
// the new cached balance in one transaction.
func (s *Store) ApplyDelta(ctx context.Context, input store.LedgerInput) (models.LedgerEntry, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var entry models.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var balance int
		row := tx.QueryRow(ctx, `SELECT balance FROM users WHERE user_id = $1 FOR UPDATE`, input.UserID)
		if err := row.Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrUserNotFound
			}
			return err
		}

		entry = models.LedgerEntry{
			TransactionID:   uuid.NewString(),
			UserID:          input.UserID,
			Points:          input.Points,
			Reason:          input.Reason,
			RelatedTicketID: input.RelatedTicketID,
			BalanceBefore:   balance,
			BalanceAfter:    balance + input.Points,
			CreatedAt:       createdAt,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (transaction_id, user_id, points, reason, related_ticket_id, balance_before, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.TransactionID, entry.UserID, entry.Points, entry.Reason, nullIfEmpty(entry.RelatedTicketID),
			entry.BalanceBefore, entry.BalanceAfter, entry.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE user_id = $1`, entry.UserID, entry.BalanceAfter); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, "ledger.entry_appended", entry, createdAt)
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	row := s.pool.QueryRow(ctx, `SELECT user_id, balance FROM users WHERE user_id = $1`, userID)
	if err := row.Scan(&user.UserID, &user.Balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, store.ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	// seq follows the balance chain; created_at is the writer's wall clock.
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, user_id, points, reason, COALESCE(related_ticket_id, ''), balance_before, balance_after, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, userID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.TransactionID, &entry.UserID, &entry.Points, &entry.Reason, &entry.RelatedTicketID,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
