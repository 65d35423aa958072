package memory

import (
	"context"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Store) CreateStamp(_ context.Context, input store.StampInput) (models.Stamp, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RelatedTicketID != "" {
		for _, stamp := range s.stamps {
			if stamp.RelatedTicketID == input.RelatedTicketID {
				return stamp, false, nil
			}
		}
	}
	stamp := models.Stamp{
		StampID:         uuid.NewString(),
		UserID:          input.UserID,
		FranchiseID:     input.FranchiseID,
		BranchID:        input.BranchID,
		ServiceID:       input.ServiceID,
		BarberID:        input.BarberID,
		RelatedTicketID: input.RelatedTicketID,
		Status:          models.StampActive,
		EarnedAt:        input.EarnedAt,
		ExpiresAt:       input.ExpiresAt,
	}
	s.stamps = append(s.stamps, stamp)
	return stamp, true, nil
}

func (s *Store) CountValidStamps(_ context.Context, userID, franchiseID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.validStampsLocked(userID, franchiseID, now)), nil
}

func (s *Store) ListStamps(_ context.Context, userID, franchiseID string) ([]models.Stamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Stamp
	for _, stamp := range s.stamps {
		if stamp.UserID == userID && (franchiseID == "" || stamp.FranchiseID == franchiseID) {
			out = append(out, stamp)
		}
	}
	return out, nil
}

// GenerateReward consumes the oldest valid stamps and issues one reward when
// enough are present. It reports false when the threshold is not met.
func (s *Store) GenerateReward(_ context.Context, input store.GenerateRewardInput) (models.Reward, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.StampsRequired <= 0 {
		return models.Reward{}, false, nil
	}
	valid := s.validStampsLocked(input.UserID, input.FranchiseID, input.Now)
	if len(valid) < input.StampsRequired {
		return models.Reward{}, false, nil
	}
	if _, taken := s.codes[input.Code]; taken {
		return models.Reward{}, false, store.ErrRewardCodeTaken
	}

	reward := models.Reward{
		RewardID:    uuid.NewString(),
		Code:        input.Code,
		UserID:      input.UserID,
		FranchiseID: input.FranchiseID,
		ServiceID:   input.ServiceID,
		Value:       input.Value,
		Status:      models.RewardGenerated,
		ExpiresAt:   input.ExpiresAt,
		GeneratedAt: input.Now,
	}
	for _, idx := range valid[:input.StampsRequired] {
		s.stamps[idx].Status = models.StampUsedInReward
		s.stamps[idx].RewardID = reward.RewardID
	}
	if err := s.appendOutboxLocked("reward.generated", reward, input.Now); err != nil {
		return models.Reward{}, false, err
	}
	s.rewards[reward.RewardID] = reward
	s.codes[reward.Code] = reward.RewardID
	return reward, true, nil
}

func (s *Store) GetReward(_ context.Context, rewardID string) (models.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reward, ok := s.rewards[rewardID]
	if !ok {
		return models.Reward{}, store.ErrRewardNotFound
	}
	return reward, nil
}

func (s *Store) ListRewards(_ context.Context, userID, franchiseID string) ([]models.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reward
	for _, reward := range s.rewards {
		if reward.UserID == userID && (franchiseID == "" || reward.FranchiseID == franchiseID) {
			out = append(out, reward)
		}
	}
	sortByTime(out, func(r models.Reward) time.Time { return r.GeneratedAt })
	return out, nil
}

func (s *Store) ActivateReward(_ context.Context, userID, rewardID string, now time.Time) (models.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reward, ok := s.rewards[rewardID]
	if !ok {
		return models.Reward{}, store.ErrRewardNotFound
	}
	if reward.UserID != userID {
		return models.Reward{}, store.ErrRewardNotOwned
	}
	if reward.Status != models.RewardGenerated {
		return models.Reward{}, store.ErrRewardUnavailable
	}
	if reward.Expired(now) {
		return models.Reward{}, store.ErrRewardExpired
	}
	reward.Status = models.RewardActive
	s.rewards[rewardID] = reward
	return reward, nil
}

func (s *Store) RedeemReward(_ context.Context, input store.RedeemInput) (models.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rewardID, ok := s.codes[input.Code]
	if !ok {
		return models.Reward{}, store.ErrRewardNotFound
	}
	reward := s.rewards[rewardID]
	if err := store.CheckRedeem(reward, input.UserID, input.Now); err != nil {
		return models.Reward{}, err
	}
	reward.Status = models.RewardInUse
	if err := s.appendOutboxLocked("reward.in_use", reward, input.Now); err != nil {
		return models.Reward{}, err
	}
	s.rewards[rewardID] = reward
	return reward, nil
}

func (s *Store) ApplyReward(_ context.Context, input store.ApplyRewardInput) (models.Reward, models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reward, ok := s.rewards[input.RewardID]
	if !ok {
		return models.Reward{}, models.Ticket{}, store.ErrRewardNotFound
	}
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Reward{}, models.Ticket{}, store.ErrTicketNotFound
	}
	if err := store.CheckApply(reward, ticket, input); err != nil {
		return models.Reward{}, models.Ticket{}, err
	}

	price := decimal.Zero
	if service, found := s.services[ticket.ServiceID]; found {
		price = service.Price
	}
	discount, final := store.Discount(reward.Value, price)

	now := input.Now
	reward.Status = models.RewardRedeemed
	reward.RedeemedAt = &now
	reward.RedeemedBy = input.StaffID
	reward.RedeemedAtBranch = ticket.BranchID
	reward.AppliedToQueueID = ticket.TicketID

	ticket.AppliedRewardID = reward.RewardID
	ticket.OriginalPrice = &price
	ticket.DiscountAmount = &discount
	ticket.FinalPrice = &final
	ticket.UpdatedAt = now

	if err := s.recordTicketLocked(ticket, "ticket.reward_applied", now); err != nil {
		return models.Reward{}, models.Ticket{}, err
	}
	s.rewards[reward.RewardID] = reward
	s.tickets[ticket.TicketID] = ticket
	return reward, ticket, nil
}

func (s *Store) ExpireRewards(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, reward := range s.rewards {
		if limit > 0 && count == limit {
			break
		}
		if !store.RewardExpirable(reward, now) {
			continue
		}
		reward.Status = models.RewardExpired
		s.rewards[id] = reward
		count++
	}
	return count, nil
}

func (s *Store) ExpireStamps(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.stamps {
		if limit > 0 && count == limit {
			break
		}
		stamp := s.stamps[i]
		if stamp.Status == models.StampActive && !stamp.Valid(now) {
			s.stamps[i].Status = models.StampExpired
			count++
		}
	}
	return count, nil
}

// validStampsLocked returns indexes into s.stamps, oldest first.
func (s *Store) validStampsLocked(userID, franchiseID string, now time.Time) []int {
	var idx []int
	for i, stamp := range s.stamps {
		if stamp.UserID == userID && stamp.FranchiseID == franchiseID && stamp.Valid(now) {
			idx = append(idx, i)
		}
	}
	sortByTime(idx, func(i int) time.Time { return s.stamps[i].EarnedAt })
	return idx
}
