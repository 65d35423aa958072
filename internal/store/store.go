package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/barberline/internal/models"

	"github.com/shopspring/decimal"
)

type CreateTicketInput struct {
	UserID            string
	BranchID          string
	BarberID          string
	ServiceID         string
	MaxAdvanceTickets int
	TimerExpiry       time.Time
	CreatedAt         time.Time
}

type TransitionInput struct {
	TicketID string
	Event    string
	// ExpectedStatus narrows the allowed source set to one status.
	ExpectedStatus string
	OccurredAt     time.Time
	// TimerExpiry is the new deadline; nil clears the timer.
	TimerExpiry   *time.Time
	CancelReason  string
	PenaltyPoints int
	PenaltyReason string
}

type ExpireInput struct {
	TicketID      string
	Status        string
	PenaltyPoints int
	PenaltyReason string
}

type LedgerInput struct {
	UserID          string
	Points          int
	Reason          string
	RelatedTicketID string
	CreatedAt       time.Time
}

type StampInput struct {
	UserID          string
	FranchiseID     string
	BranchID        string
	ServiceID       string
	BarberID        string
	RelatedTicketID string
	EarnedAt        time.Time
	ExpiresAt       *time.Time
}

type GenerateRewardInput struct {
	UserID         string
	FranchiseID    string
	StampsRequired int
	ServiceID      string
	Value          decimal.Decimal
	Code           string
	ExpiresAt      *time.Time
	Now            time.Time
}

type RedeemInput struct {
	UserID string
	Code   string
	Now    time.Time
}

type ApplyRewardInput struct {
	RewardID string
	TicketID string
	StaffID  string
	BranchID string
	// RequireBranch rejects tickets outside BranchID.
	RequireBranch bool
	Now           time.Time
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListActiveTickets(ctx context.Context, branchID string) ([]models.Ticket, error)
	TransitionTicket(ctx context.Context, input TransitionInput) (models.Ticket, error)
	RecomputePositions(ctx context.Context, branchID string) ([]models.Ticket, error)
	ListDueTickets(ctx context.Context, now time.Time, limit int) ([]models.Ticket, error)
	ExpireTickets(ctx context.Context, inputs []ExpireInput, now time.Time) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type LedgerStore interface {
	ApplyDelta(ctx context.Context, input LedgerInput) (models.LedgerEntry, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
}

type LoyaltyStore interface {
	CreateStamp(ctx context.Context, input StampInput) (models.Stamp, bool, error)
	CountValidStamps(ctx context.Context, userID, franchiseID string, now time.Time) (int, error)
	ListStamps(ctx context.Context, userID, franchiseID string) ([]models.Stamp, error)
	GenerateReward(ctx context.Context, input GenerateRewardInput) (models.Reward, bool, error)
	GetReward(ctx context.Context, rewardID string) (models.Reward, error)
	ListRewards(ctx context.Context, userID, franchiseID string) ([]models.Reward, error)
	ActivateReward(ctx context.Context, userID, rewardID string, now time.Time) (models.Reward, error)
	RedeemReward(ctx context.Context, input RedeemInput) (models.Reward, error)
	ApplyReward(ctx context.Context, input ApplyRewardInput) (models.Reward, models.Ticket, error)
	ExpireRewards(ctx context.Context, now time.Time, limit int) (int, error)
	ExpireStamps(ctx context.Context, now time.Time, limit int) (int, error)
}

type Directory interface {
	GetBranch(ctx context.Context, branchID string) (models.Branch, error)
	GetService(ctx context.Context, serviceID string) (models.Service, bool, error)
	IsBarberOfBranch(ctx context.Context, userID, branchID string) (bool, error)
}

type OutboxStore interface {
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
	GetOutboxOffset(ctx context.Context, consumer string) (int64, error)
	UpdateOutboxOffset(ctx context.Context, consumer string, seq int64) error
}

type Store interface {
	TicketStore
	LedgerStore
	LoyaltyStore
	Directory
	OutboxStore
}

// OutboxEvent is one outbox row. CreatedAt carries the domain time, RecordedAt
// the store's wall clock at insert.
type OutboxEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RecordedAt time.Time       `json:"recorded_at"`
}
