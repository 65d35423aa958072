package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type Store struct {
	pool      *pgxpool.Pool
	perPerson int
}

type Options struct {
	PerPersonMinutes int
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	perPerson := options.PerPersonMinutes
	if perPerson <= 0 {
		perPerson = store.PerPersonMinutes
	}
	return &Store{pool: pool, perPerson: perPerson}
}

// withTx runs fn in one transaction, rolling back when fn or the commit fails.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const ticketColumns = `ticket_id, ticket_number, user_id, franchise_id, branch_id, barber_id, service_id,
	status, position, estimated_wait_time, timer_expiry, created_at, notified_at, arrived_at,
	service_started_at, completed_at, cancelled_at, expired_at, updated_at, cancel_reason,
	penalty_applied, penalty_reason, applied_reward_id, discount_amount, original_price, final_price`

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var barberID, serviceID, cancelReason, penaltyReason, appliedRewardID sql.NullString
	var timerExpiry, notifiedAt, arrivedAt, startedAt, completedAt, cancelledAt, expiredAt sql.NullTime
	var penalty sql.NullInt32
	var discount, original, final decimal.NullDecimal
	err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.UserID, &ticket.FranchiseID, &ticket.BranchID, &barberID, &serviceID,
		&ticket.Status, &ticket.Position, &ticket.EstimatedWaitTime, &timerExpiry, &ticket.CreatedAt, &notifiedAt, &arrivedAt,
		&startedAt, &completedAt, &cancelledAt, &expiredAt, &ticket.UpdatedAt, &cancelReason,
		&penalty, &penaltyReason, &appliedRewardID, &discount, &original, &final,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.BarberID = barberID.String
	ticket.ServiceID = serviceID.String
	ticket.TimerExpiry = nullTimePtr(timerExpiry)
	ticket.NotifiedAt = nullTimePtr(notifiedAt)
	ticket.ArrivedAt = nullTimePtr(arrivedAt)
	ticket.ServiceStartedAt = nullTimePtr(startedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	ticket.ExpiredAt = nullTimePtr(expiredAt)
	ticket.CancelReason = cancelReason.String
	if penalty.Valid {
		points := int(penalty.Int32)
		ticket.PenaltyApplied = &points
	}
	ticket.PenaltyReason = penaltyReason.String
	ticket.AppliedRewardID = appliedRewardID.String
	ticket.DiscountAmount = nullDecimalPtr(discount)
	ticket.OriginalPrice = nullDecimalPtr(original)
	ticket.FinalPrice = nullDecimalPtr(final)
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, payload any, createdAt time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, createdAt)
	return err
}

// recordTicket appends the ticket's current state to its hash chain and to the
// outbox in the caller's transaction.
func recordTicket(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	payload, err := store.TicketEventPayload(ticket)
	if err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, eventType, payload, at); err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payload, at)
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload json.RawMessage, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	err := row.Scan(&last.TicketSeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	// timestamptz keeps microseconds; hash what will be read back.
	event := store.NextTicketEvent(prev, ticketID, eventType, payload, at.UTC().Truncate(time.Microsecond))
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullDecimalPtr(value decimal.NullDecimal) *decimal.Decimal {
	if !value.Valid {
		return nil
	}
	return &value.Decimal
}
