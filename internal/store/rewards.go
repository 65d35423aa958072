package store

import (
	"time"

	"qms/barberline/internal/models"

	"github.com/shopspring/decimal"
)

// Discount caps the reward value at the service price.
func Discount(value, price decimal.Decimal) (discount, final decimal.Decimal) {
	discount = decimal.Min(value, price)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount, price.Sub(discount)
}

// CheckRedeem reports why userID cannot move reward to in_use at now.
func CheckRedeem(reward models.Reward, userID string, now time.Time) error {
	if reward.UserID != userID {
		return ErrRewardNotOwned
	}
	if !models.RewardRedeemable(reward.Status) {
		return ErrRewardUnavailable
	}
	if reward.Expired(now) {
		return ErrRewardExpired
	}
	return nil
}

// CheckApply reports why reward cannot be applied to ticket.
func CheckApply(reward models.Reward, ticket models.Ticket, input ApplyRewardInput) error {
	if input.RequireBranch && ticket.BranchID != input.BranchID {
		return ErrBranchMismatch
	}
	if reward.Status != models.RewardInUse {
		return ErrRewardUnavailable
	}
	if reward.UserID != ticket.UserID || reward.FranchiseID != ticket.FranchiseID {
		return ErrRewardMismatch
	}
	if ticket.AppliedRewardID != "" {
		return ErrRewardAlreadyApplied
	}
	if ticket.Status == models.StatusCancelled || ticket.Status == models.StatusExpired {
		return ErrInvalidState
	}
	return nil
}

// RewardExpirable reports whether the reward sweep may expire reward at now.
func RewardExpirable(reward models.Reward, now time.Time) bool {
	if reward.Status == models.RewardRedeemed || reward.Status == models.RewardExpired {
		return false
	}
	return reward.Expired(now)
}
