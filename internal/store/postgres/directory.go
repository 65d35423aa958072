package postgres

import (
	"context"
	"errors"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	var branch models.Branch
	row := s.pool.QueryRow(ctx, `
		SELECT branch_id, franchise_id, code, name
		FROM branches
		WHERE branch_id = $1
	`, branchID)
	if err := row.Scan(&branch.BranchID, &branch.FranchiseID, &branch.Code, &branch.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, bool, error) {
	var service models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, franchise_id, name, price
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&service.ServiceID, &service.FranchiseID, &service.Name, &service.Price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, false, nil
		}
		return models.Service{}, false, err
	}
	return service, true, nil
}

func (s *Store) IsBarberOfBranch(ctx context.Context, userID, branchID string) (bool, error) {
	var ok bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM barbers WHERE user_id = $1 AND branch_id = $2)
	`, userID, branchID)
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id, type, payload_json, created_at, recorded_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &payload, &event.CreatedAt, &event.RecordedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOutboxOffset(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	row := s.pool.QueryRow(ctx, `SELECT last_seq FROM outbox_offsets WHERE consumer = $1`, consumer)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) UpdateOutboxOffset(ctx context.Context, consumer string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (consumer)
		DO UPDATE SET last_seq = GREATEST(outbox_offsets.last_seq, EXCLUDED.last_seq), updated_at = now()
	`, consumer, seq)
	return err
}
