package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Stamp struct {
	StampID         string     `json:"stamp_id"`
	UserID          string     `json:"user_id"`
	FranchiseID     string     `json:"franchise_id"`
	BranchID        string     `json:"branch_id,omitempty"`
	ServiceID       string     `json:"service_id,omitempty"`
	BarberID        string     `json:"barber_id,omitempty"`
	RelatedTicketID string     `json:"related_ticket_id,omitempty"`
	RewardID        string     `json:"reward_id,omitempty"`
	Status          string     `json:"status"`
	EarnedAt        time.Time  `json:"earned_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

const (
	StampActive       = "active"
	StampUsedInReward = "used_in_reward"
	StampExpired      = "expired"
)

// Valid reports whether the stamp can still count toward a reward at now.
func (s Stamp) Valid(now time.Time) bool {
	if s.Status != StampActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

type Reward struct {
	RewardID         string          `json:"reward_id"`
	Code             string          `json:"code"`
	UserID           string          `json:"user_id"`
	FranchiseID      string          `json:"franchise_id"`
	ServiceID        string          `json:"service_id,omitempty"`
	Value            decimal.Decimal `json:"value"`
	Status           string          `json:"status"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	GeneratedAt      time.Time       `json:"generated_at"`
	RedeemedAt       *time.Time      `json:"redeemed_at,omitempty"`
	RedeemedBy       string          `json:"redeemed_by,omitempty"`
	RedeemedAtBranch string          `json:"redeemed_at_branch,omitempty"`
	AppliedToQueueID string          `json:"applied_to_queue_id,omitempty"`
}

const (
	RewardGenerated = "generated"
	RewardActive    = "active"
	RewardInUse     = "in_use"
	RewardRedeemed  = "redeemed"
	RewardExpired   = "expired"
)

func (r Reward) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// RewardRedeemable is the set of statuses from which an owner may redeem a code.
func RewardRedeemable(status string) bool {
	return status == RewardGenerated || status == RewardActive
}
