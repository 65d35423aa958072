package models

import "time"

type LedgerEntry struct {
	TransactionID   string    `json:"transaction_id"`
	UserID          string    `json:"user_id"`
	Points          int       `json:"points"`
	Reason          string    `json:"reason"`
	RelatedTicketID string    `json:"related_ticket_id,omitempty"`
	BalanceBefore   int       `json:"balance_before"`
	BalanceAfter    int       `json:"balance_after"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	ReasonCompletedService = "completed_service"
	ReasonNoArrival        = "no_arrival"
	ReasonNoShow           = "no_show"
	ReasonLateCancellation = "late_cancellation"
)

// Point deltas applied by the queue lifecycle.
const (
	PointsCompletedService = 1
	PointsNoArrival        = -10
	PointsNoShow           = -15
	PointsLateCancellation = -5
)

func ValidLedgerReason(reason string) bool {
	switch reason {
	case ReasonCompletedService, ReasonNoArrival, ReasonNoShow, ReasonLateCancellation:
		return true
	default:
		return false
	}
}

type User struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}
