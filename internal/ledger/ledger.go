// Package ledger is the single entry point for point balance changes.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/metrics"
	"qms/barberline/internal/models"
	"qms/barberline/internal/store"
)

const defaultStatementLimit = 50

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

type Ledger struct {
	store  store.LedgerStore
	now    func() time.Time
	logger *slog.Logger
}

// Statement is a user's balance with their most recent entries, newest first.
type Statement struct {
	UserID  string               `json:"user_id"`
	Balance int                  `json:"balance"`
	Entries []models.LedgerEntry `json:"entries"`
}

func New(st store.LedgerStore, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{store: st, now: opts.Now, logger: opts.Logger}
}

// ApplyDelta appends one entry and moves the cached balance in the same
// transaction. Unknown users fail with NotFound.
func (l *Ledger) ApplyDelta(ctx context.Context, userID string, points int, reason, relatedTicketID string) (models.LedgerEntry, error) {
	if userID == "" {
		return models.LedgerEntry{}, apperr.New(apperr.InvalidArgument, "user_id is required")
	}
	if points == 0 {
		return models.LedgerEntry{}, apperr.New(apperr.InvalidArgument, "points must be non-zero")
	}
	if !models.ValidLedgerReason(reason) {
		return models.LedgerEntry{}, apperr.Newf(apperr.InvalidArgument, "unknown ledger reason %q", reason)
	}

	entry, err := l.store.ApplyDelta(ctx, store.LedgerInput{
		UserID:          userID,
		Points:          points,
		Reason:          reason,
		RelatedTicketID: relatedTicketID,
		CreatedAt:       l.now(),
	})
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("apply %s delta for user %s: %w", reason, userID, err)
	}

	magnitude := points
	if magnitude < 0 {
		magnitude = -magnitude
	}
	metrics.LedgerPoints.WithLabelValues(reason).Add(float64(magnitude))
	l.logger.Debug("ledger entry appended",
		"user_id", userID,
		"points", points,
		"reason", reason,
		"balance_after", entry.BalanceAfter,
	)
	return entry, nil
}

func (l *Ledger) Statement(ctx context.Context, userID string, limit int) (Statement, error) {
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	entries, err := l.store.ListLedgerEntries(ctx, userID, limit)
	if err != nil {
		return Statement{}, err
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return Statement{UserID: user.UserID, Balance: user.Balance, Entries: entries}, nil
}
