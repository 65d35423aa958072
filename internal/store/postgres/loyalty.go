package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const stampColumns = `stamp_id, user_id, franchise_id, branch_id, service_id, barber_id, related_ticket_id, reward_id, status, earned_at, expires_at`

const rewardColumns = `reward_id, code, user_id, franchise_id, service_id, value, status, expires_at, generated_at,
	redeemed_at, redeemed_by, redeemed_at_branch, applied_to_queue_id`

func scanStamp(row rowScanner) (models.Stamp, error) {
	var stamp models.Stamp
	var branchID, serviceID, barberID, ticketID, rewardID sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&stamp.StampID, &stamp.UserID, &stamp.FranchiseID, &branchID, &serviceID, &barberID, &ticketID,
		&rewardID, &stamp.Status, &stamp.EarnedAt, &expiresAt); err != nil {
		return models.Stamp{}, err
	}
	stamp.BranchID = branchID.String
	stamp.ServiceID = serviceID.String
	stamp.BarberID = barberID.String
	stamp.RelatedTicketID = ticketID.String
	stamp.RewardID = rewardID.String
	stamp.ExpiresAt = nullTimePtr(expiresAt)
	return stamp, nil
}

func scanReward(row rowScanner) (models.Reward, error) {
	var reward models.Reward
	var serviceID, redeemedBy, redeemedAtBranch, queueID sql.NullString
	var expiresAt, redeemedAt sql.NullTime
	if err := row.Scan(&reward.RewardID, &reward.Code, &reward.UserID, &reward.FranchiseID, &serviceID, &reward.Value,
		&reward.Status, &expiresAt, &reward.GeneratedAt, &redeemedAt, &redeemedBy, &redeemedAtBranch, &queueID); err != nil {
		return models.Reward{}, err
	}
	reward.ServiceID = serviceID.String
	reward.ExpiresAt = nullTimePtr(expiresAt)
	reward.RedeemedAt = nullTimePtr(redeemedAt)
	reward.RedeemedBy = redeemedBy.String
	reward.RedeemedAtBranch = redeemedAtBranch.String
	reward.AppliedToQueueID = queueID.String
	return reward, nil
}

// CreateStamp inserts at most one stamp per related ticket. A repeat for the
// same ticket returns the existing stamp and false.
func (s *Store) CreateStamp(ctx context.Context, input store.StampInput) (models.Stamp, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO stamps (stamp_id, user_id, franchise_id, branch_id, service_id, barber_id, related_ticket_id, status, earned_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (related_ticket_id) DO NOTHING
		RETURNING `+stampColumns,
		uuid.NewString(), input.UserID, input.FranchiseID, nullIfEmpty(input.BranchID), nullIfEmpty(input.ServiceID),
		nullIfEmpty(input.BarberID), nullIfEmpty(input.RelatedTicketID), models.StampActive, input.EarnedAt, input.ExpiresAt)
	stamp, err := scanStamp(row)
	if err == nil {
		return stamp, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Stamp{}, false, err
	}
	existing, err := scanStamp(s.pool.QueryRow(ctx, `SELECT `+stampColumns+` FROM stamps WHERE related_ticket_id = $1`, input.RelatedTicketID))
	if err != nil {
		return models.Stamp{}, false, err
	}
	return existing, false, nil
}

func (s *Store) CountValidStamps(ctx context.Context, userID, franchiseID string, now time.Time) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM stamps
		WHERE user_id = $1 AND franchise_id = $2 AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > $3)
	`, userID, franchiseID, now)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListStamps(ctx context.Context, userID, franchiseID string) ([]models.Stamp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stampColumns+`
		FROM stamps
		WHERE user_id = $1 AND ($2 = '' OR franchise_id = $2)
		ORDER BY earned_at ASC
	`, userID, franchiseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stamps []models.Stamp
	for rows.Next() {
		stamp, err := scanStamp(rows)
		if err != nil {
			return nil, err
		}
		stamps = append(stamps, stamp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stamps, nil
}

// GenerateReward serializes on the user row, re-reads the oldest valid stamps
// under lock and consumes exactly StampsRequired of them for one new reward.
func (s *Store) GenerateReward(ctx context.Context, input store.GenerateRewardInput) (models.Reward, bool, error) {
	if input.StampsRequired <= 0 {
		return models.Reward{}, false, nil
	}
	var reward models.Reward
	generated := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "loyalty:"+input.UserID+":"+input.FranchiseID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT stamp_id
			FROM stamps
			WHERE user_id = $1 AND franchise_id = $2 AND status = 'active'
			  AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY earned_at ASC
			LIMIT $4
			FOR UPDATE
		`, input.UserID, input.FranchiseID, input.Now, input.StampsRequired)
		if err != nil {
			return err
		}
		stampIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(stampIDs) < input.StampsRequired {
			return nil
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO rewards (reward_id, code, user_id, franchise_id, service_id, value, status, expires_at, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+rewardColumns,
			uuid.NewString(), input.Code, input.UserID, input.FranchiseID, nullIfEmpty(input.ServiceID), input.Value,
			models.RewardGenerated, input.ExpiresAt, input.Now)
		reward, err = scanReward(row)
		if err != nil {
			if isUniqueViolation(err, "rewards_code_key") {
				return store.ErrRewardCodeTaken
			}
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE stamps SET status = 'used_in_reward', reward_id = $2
			WHERE stamp_id = ANY($1) AND status = 'active'
		`, stampIDs, reward.RewardID)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != input.StampsRequired {
			return fmt.Errorf("consumed %d of %d stamps", tag.RowsAffected(), input.StampsRequired)
		}
		generated = true
		return insertOutbox(ctx, tx, "reward.generated", reward, input.Now)
	})
	if err != nil {
		return models.Reward{}, false, err
	}
	return reward, generated, nil
}

func (s *Store) GetReward(ctx context.Context, rewardID string) (models.Reward, error) {
	reward, err := scanReward(s.pool.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE reward_id = $1`, rewardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reward{}, store.ErrRewardNotFound
		}
		return models.Reward{}, err
	}
	return reward, nil
}

func (s *Store) ListRewards(ctx context.Context, userID, franchiseID string) ([]models.Reward, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE user_id = $1 AND ($2 = '' OR franchise_id = $2)
		ORDER BY generated_at ASC
	`, userID, franchiseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rewards []models.Reward
	for rows.Next() {
		reward, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, reward)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rewards, nil
}

func (s *Store) ActivateReward(ctx context.Context, userID, rewardID string, now time.Time) (models.Reward, error) {
	var reward models.Reward
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		reward, err = scanReward(tx.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE reward_id = $1 FOR UPDATE`, rewardID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrRewardNotFound
			}
			return err
		}
		switch {
		case reward.UserID != userID:
			return store.ErrRewardNotOwned
		case reward.Status != models.RewardGenerated:
			return store.ErrRewardUnavailable
		case reward.Expired(now):
			return store.ErrRewardExpired
		}
		reward.Status = models.RewardActive
		_, err = tx.Exec(ctx, `UPDATE rewards SET status = 'active' WHERE reward_id = $1 AND status = 'generated'`, rewardID)
		return err
	})
	if err != nil {
		return models.Reward{}, err
	}
	return reward, nil
}

// RedeemReward moves a reward to in_use with one conditional update, so of
// several concurrent attempts exactly one matches.
func (s *Store) RedeemReward(ctx context.Context, input store.RedeemInput) (models.Reward, error) {
	var reward models.Reward
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		reward, err = scanReward(tx.QueryRow(ctx, `
			UPDATE rewards
			SET status = 'in_use'
			WHERE code = $1 AND user_id = $2 AND status IN ('generated','active')
			  AND (expires_at IS NULL OR expires_at > $3)
			RETURNING `+rewardColumns,
			input.Code, input.UserID, input.Now))
		if errors.Is(err, pgx.ErrNoRows) {
			current, lookupErr := scanReward(tx.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE code = $1`, input.Code))
			if errors.Is(lookupErr, pgx.ErrNoRows) {
				return store.ErrRewardNotFound
			}
			if lookupErr != nil {
				return lookupErr
			}
			if checkErr := store.CheckRedeem(current, input.UserID, input.Now); checkErr != nil {
				return checkErr
			}
			return store.ErrRewardUnavailable
		}
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, "reward.in_use", reward, input.Now)
	})
	if err != nil {
		return models.Reward{}, err
	}
	return reward, nil
}

// ApplyReward locks the reward and then the ticket, checks every precondition
// and writes both rows or neither.
func (s *Store) ApplyReward(ctx context.Context, input store.ApplyRewardInput) (models.Reward, models.Ticket, error) {
	var reward models.Reward
	var ticket models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		reward, err = scanReward(tx.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE reward_id = $1 FOR UPDATE`, input.RewardID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrRewardNotFound
			}
			return err
		}
		ticket, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrTicketNotFound
			}
			return err
		}
		if err := store.CheckApply(reward, ticket, input); err != nil {
			return err
		}

		price := decimal.Zero
		if ticket.ServiceID != "" {
			var servicePrice decimal.Decimal
			err := tx.QueryRow(ctx, `SELECT price FROM services WHERE service_id = $1`, ticket.ServiceID).Scan(&servicePrice)
			switch {
			case err == nil:
				price = servicePrice
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}
		discount, final := store.Discount(reward.Value, price)

		now := input.Now
		reward.Status = models.RewardRedeemed
		reward.RedeemedAt = &now
		reward.RedeemedBy = input.StaffID
		reward.RedeemedAtBranch = ticket.BranchID
		reward.AppliedToQueueID = ticket.TicketID
		if _, err := tx.Exec(ctx, `
			UPDATE rewards
			SET status = 'redeemed', redeemed_at = $2, redeemed_by = $3, redeemed_at_branch = $4, applied_to_queue_id = $5
			WHERE reward_id = $1 AND status = 'in_use'
		`, reward.RewardID, now, nullIfEmpty(input.StaffID), ticket.BranchID, ticket.TicketID); err != nil {
			if isUniqueViolation(err, "rewards_applied_to_queue_id_key") {
				return store.ErrRewardAlreadyApplied
			}
			return err
		}

		ticket.AppliedRewardID = reward.RewardID
		ticket.OriginalPrice = &price
		ticket.DiscountAmount = &discount
		ticket.FinalPrice = &final
		ticket.UpdatedAt = now
		tag, err := tx.Exec(ctx, `
			UPDATE tickets
			SET applied_reward_id = $2, original_price = $3, discount_amount = $4, final_price = $5, updated_at = $6
			WHERE ticket_id = $1 AND applied_reward_id IS NULL
		`, ticket.TicketID, reward.RewardID, price, discount, final, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrRewardAlreadyApplied
		}
		return recordTicket(ctx, tx, ticket, "ticket.reward_applied", now)
	})
	if err != nil {
		return models.Reward{}, models.Ticket{}, err
	}
	return reward, ticket, nil
}

func (s *Store) ExpireRewards(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards SET status = 'expired'
		WHERE reward_id IN (
			SELECT reward_id FROM rewards
			WHERE status NOT IN ('redeemed','expired') AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, now, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ExpireStamps(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE stamps SET status = 'expired'
		WHERE stamp_id IN (
			SELECT stamp_id FROM stamps
			WHERE status = 'active' AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, now, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
