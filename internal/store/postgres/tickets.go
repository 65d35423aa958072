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

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var ticket models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		branch, err := lockBranch(ctx, tx, input.BranchID)
		if err != nil {
			return err
		}

		var balance int
		if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE user_id = $1`, input.UserID).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrUserNotFound
			}
			return err
		}
		if balance < 0 {
			return store.ErrNegativeBalance
		}

		// An expiry batch commits without renumbering, so close any gaps
		// before admitting behind the last active position.
		active, err := s.renumber(ctx, tx, input.BranchID, createdAt)
		if err != nil {
			return err
		}
		for _, t := range active {
			if t.UserID == input.UserID {
				return store.ErrActiveTicketExists
			}
		}
		position, err := store.AdmitPosition(active, input.MaxAdvanceTickets)
		if err != nil {
			return err
		}

		day := store.TicketDay(createdAt)
		seq, err := nextTicketNumber(ctx, tx, input.BranchID, day)
		if err != nil {
			return err
		}

		var timerExpiry *time.Time
		if !input.TimerExpiry.IsZero() {
			expiry := input.TimerExpiry
			timerExpiry = &expiry
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO tickets (
				ticket_id, ticket_number, user_id, franchise_id, branch_id, barber_id, service_id,
				status, position, estimated_wait_time, timer_expiry, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
			RETURNING `+ticketColumns,
			uuid.NewString(), store.FormatTicketNumber(branch.Code, day, seq), input.UserID, branch.FranchiseID, branch.BranchID,
			nullIfEmpty(input.BarberID), nullIfEmpty(input.ServiceID), models.StatusWaiting, position,
			store.EstimatedWait(position, s.perPerson), timerExpiry, createdAt,
		)
		ticket, err = scanTicket(row)
		if err != nil {
			if isUniqueViolation(err, "tickets_one_active_per_user") {
				return store.ErrActiveTicketExists
			}
			return err
		}
		return recordTicket(ctx, tx, ticket, store.EventTicketCreated, createdAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListActiveTickets(ctx context.Context, branchID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND status IN ('waiting','notified','arrived','in_service')
		ORDER BY position ASC, created_at ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) TransitionTicket(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	if input.OccurredAt.IsZero() {
		input.OccurredAt = time.Now().UTC()
	}
	target, ok := store.TargetStatus(input.Event)
	if !ok {
		return models.Ticket{}, store.ErrInvalidState
	}

	var ticket models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var branchID string
		if err := tx.QueryRow(ctx, `SELECT branch_id FROM tickets WHERE ticket_id = $1`, input.TicketID).Scan(&branchID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrTicketNotFound
			}
			return err
		}
		// Leaving the active set renumbers the branch, so take the branch lock
		// before the ticket lock like CreateTicket does.
		if models.IsTerminal(target) {
			if _, err := lockBranch(ctx, tx, branchID); err != nil {
				return err
			}
		}

		current, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID))
		if err != nil {
			return err
		}
		fromStatus := current.Status
		ticket = current
		if err := store.ApplyTransition(&ticket, input); err != nil {
			return err
		}
		if err := writeTicketState(ctx, tx, ticket, fromStatus); err != nil {
			return err
		}
		if err := recordTicket(ctx, tx, ticket, store.EventType(input.Event), input.OccurredAt); err != nil {
			return err
		}
		if models.IsTerminal(ticket.Status) {
			_, err = s.renumber(ctx, tx, ticket.BranchID, input.OccurredAt)
		}
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) RecomputePositions(ctx context.Context, branchID string) ([]models.Ticket, error) {
	var active []models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockBranch(ctx, tx, branchID); err != nil {
			return err
		}
		var err error
		active, err = s.renumber(ctx, tx, branchID, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

func (s *Store) ListDueTickets(ctx context.Context, now time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status IN ('waiting','notified') AND timer_expiry <= $1
		ORDER BY timer_expiry ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// ExpireTickets applies all expiries in one transaction through a single
// batch of conditional updates. A ticket whose status or timer changed since it
// was listed does not match and is left alone.
func (s *Store) ExpireTickets(ctx context.Context, inputs []store.ExpireInput, now time.Time) ([]models.Ticket, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	var expired []models.Ticket
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.TicketID)
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Branch locks in a fixed order keep this batch from deadlocking with
		// concurrent renumbering.
		if _, err := tx.Exec(ctx, `
			SELECT branch_id FROM branches
			WHERE branch_id IN (SELECT DISTINCT branch_id FROM tickets WHERE ticket_id = ANY($1))
			ORDER BY branch_id
			FOR UPDATE
		`, ids); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, in := range inputs {
			batch.Queue(`
				UPDATE tickets
				SET status = 'expired',
					timer_expiry = NULL,
					expired_at = $3,
					updated_at = $3,
					penalty_applied = $4,
					penalty_reason = $5
				WHERE ticket_id = $1 AND status = $2 AND timer_expiry <= $3
				RETURNING `+ticketColumns,
				in.TicketID, in.Status, now, in.PenaltyPoints, nullIfEmpty(in.PenaltyReason))
		}
		results := tx.SendBatch(ctx, batch)
		for range inputs {
			ticket, err := scanTicket(results.QueryRow())
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				_ = results.Close()
				return err
			}
			expired = append(expired, ticket)
		}
		if err := results.Close(); err != nil {
			return err
		}
		for _, ticket := range expired {
			if err := recordTicket(ctx, tx, ticket, store.EventType(store.EventExpire), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTicketNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func lockBranch(ctx context.Context, tx pgx.Tx, branchID string) (models.Branch, error) {
	var branch models.Branch
	row := tx.QueryRow(ctx, `
		SELECT branch_id, franchise_id, code, name
		FROM branches
		WHERE branch_id = $1
		FOR UPDATE
	`, branchID)
	if err := row.Scan(&branch.BranchID, &branch.FranchiseID, &branch.Code, &branch.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func lockActive(ctx context.Context, tx pgx.Tx, branchID string) ([]models.Ticket, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND status IN ('waiting','notified','arrived','in_service')
		ORDER BY position ASC, created_at ASC
		FOR UPDATE
	`, branchID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// renumber rewrites positions 1..N for the branch's active tickets in one
// batch. The caller holds the branch lock.
func (s *Store) renumber(ctx context.Context, tx pgx.Tx, branchID string, at time.Time) ([]models.Ticket, error) {
	active, err := lockActive(ctx, tx, branchID)
	if err != nil {
		return nil, err
	}
	before := make(map[string]int, len(active))
	for _, t := range active {
		before[t.TicketID] = t.Position
	}
	active = store.Renumber(active, s.perPerson)

	batch := &pgx.Batch{}
	for i := range active {
		if before[active[i].TicketID] == active[i].Position {
			continue
		}
		active[i].UpdatedAt = at
		batch.Queue(`
			UPDATE tickets SET position = $2, estimated_wait_time = $3, updated_at = $4
			WHERE ticket_id = $1
		`, active[i].TicketID, active[i].Position, active[i].EstimatedWaitTime, at)
	}
	if batch.Len() == 0 {
		return active, nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}
	return active, nil
}

func writeTicketState(ctx context.Context, tx pgx.Tx, ticket models.Ticket, fromStatus string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = $3,
			timer_expiry = $4,
			notified_at = $5,
			arrived_at = $6,
			service_started_at = $7,
			completed_at = $8,
			cancelled_at = $9,
			expired_at = $10,
			updated_at = $11,
			cancel_reason = $12,
			penalty_applied = $13,
			penalty_reason = $14
		WHERE ticket_id = $1 AND status = $2
	`, ticket.TicketID, fromStatus, ticket.Status, ticket.TimerExpiry, ticket.NotifiedAt, ticket.ArrivedAt,
		ticket.ServiceStartedAt, ticket.CompletedAt, ticket.CancelledAt, ticket.ExpiredAt, ticket.UpdatedAt,
		nullIfEmpty(ticket.CancelReason), ticket.PenaltyApplied, nullIfEmpty(ticket.PenaltyReason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx, branchID string, day time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (branch_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (branch_id, day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, branchID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}
