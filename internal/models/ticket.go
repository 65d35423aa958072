package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Ticket struct {
	TicketID          string           `json:"ticket_id"`
	TicketNumber      string           `json:"ticket_number"`
	UserID            string           `json:"user_id"`
	FranchiseID       string           `json:"franchise_id"`
	BranchID          string           `json:"branch_id"`
	BarberID          string           `json:"barber_id,omitempty"`
	ServiceID         string           `json:"service_id,omitempty"`
	Status            string           `json:"status"`
	Position          int              `json:"position"`
	EstimatedWaitTime int              `json:"estimated_wait_time"`
	TimerExpiry       *time.Time       `json:"timer_expiry,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	NotifiedAt        *time.Time       `json:"notified_at,omitempty"`
	ArrivedAt         *time.Time       `json:"arrived_at,omitempty"`
	ServiceStartedAt  *time.Time       `json:"service_started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	CancelledAt       *time.Time       `json:"cancelled_at,omitempty"`
	ExpiredAt         *time.Time       `json:"expired_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
	PenaltyApplied    *int             `json:"penalty_applied,omitempty"`
	PenaltyReason     string           `json:"penalty_reason,omitempty"`
	AppliedRewardID   string           `json:"applied_reward_id,omitempty"`
	DiscountAmount    *decimal.Decimal `json:"discount_amount,omitempty"`
	OriginalPrice     *decimal.Decimal `json:"original_price,omitempty"`
	FinalPrice        *decimal.Decimal `json:"final_price,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusNotified  = "notified"
	StatusArrived   = "arrived"
	StatusInService = "in_service"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// ActiveStatuses are the statuses that hold a position in a branch queue.
var ActiveStatuses = []string{StatusWaiting, StatusNotified, StatusArrived, StatusInService}

func IsActive(status string) bool {
	for _, s := range ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsCalled reports whether staff has already called the ticket forward.
func IsCalled(status string) bool {
	switch status {
	case StatusNotified, StatusArrived, StatusInService:
		return true
	default:
		return false
	}
}

const (
	CancelReasonClientRequest    = "client_request"
	CancelReasonLateCancellation = "late_cancellation"
	CancelReasonStaff            = "staff_request"
)
