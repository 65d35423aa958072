package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/barberline/internal/models"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

const EventTicketCreated = "ticket.created"

type eventPayload struct {
	TicketID         string     `json:"ticket_id"`
	TicketNumber     string     `json:"ticket_number"`
	UserID           string     `json:"user_id"`
	FranchiseID      string     `json:"franchise_id"`
	BranchID         string     `json:"branch_id"`
	BarberID         string     `json:"barber_id,omitempty"`
	ServiceID        string     `json:"service_id,omitempty"`
	Status           string     `json:"status"`
	Position         int        `json:"position"`
	TimerExpiry      *time.Time `json:"timer_expiry"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	NotifiedAt       *time.Time `json:"notified_at,omitempty"`
	ArrivedAt        *time.Time `json:"arrived_at,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	PenaltyApplied   *int       `json:"penalty_applied,omitempty"`
	PenaltyReason    string     `json:"penalty_reason,omitempty"`
	AppliedRewardID  string     `json:"applied_reward_id,omitempty"`
}

// TicketEventPayload snapshots the fields of ticket that the audit chain
// records after every transition.
func TicketEventPayload(ticket models.Ticket) (json.RawMessage, error) {
	createdAt := ticket.CreatedAt
	payload := eventPayload{
		TicketID:         ticket.TicketID,
		TicketNumber:     ticket.TicketNumber,
		UserID:           ticket.UserID,
		FranchiseID:      ticket.FranchiseID,
		BranchID:         ticket.BranchID,
		BarberID:         ticket.BarberID,
		ServiceID:        ticket.ServiceID,
		Status:           ticket.Status,
		Position:         ticket.Position,
		TimerExpiry:      ticket.TimerExpiry,
		CreatedAt:        &createdAt,
		NotifiedAt:       ticket.NotifiedAt,
		ArrivedAt:        ticket.ArrivedAt,
		ServiceStartedAt: ticket.ServiceStartedAt,
		CompletedAt:      ticket.CompletedAt,
		CancelledAt:      ticket.CancelledAt,
		ExpiredAt:        ticket.ExpiredAt,
		CancelReason:     ticket.CancelReason,
		PenaltyApplied:   ticket.PenaltyApplied,
		PenaltyReason:    ticket.PenaltyReason,
		AppliedRewardID:  ticket.AppliedRewardID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent links a new event onto the chain whose last element is prev.
func NextTicketEvent(prev *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyTicketChain checks sequence continuity and every hash link. It returns
// the sequence number of the first broken event, or 0 when the chain is intact.
func VerifyTicketChain(events []TicketEvent) int {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 || event.PrevHash != prevHash {
			return i + 1
		}
		want := ComputeTicketEventHash(prevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return i + 1
		}
		prevHash = event.Hash
	}
	return 0
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != "" {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.UserID != "" {
			ticket.UserID = payload.UserID
		}
		if payload.FranchiseID != "" {
			ticket.FranchiseID = payload.FranchiseID
		}
		if payload.BranchID != "" {
			ticket.BranchID = payload.BranchID
		}
		if payload.BarberID != "" {
			ticket.BarberID = payload.BarberID
		}
		if payload.ServiceID != "" {
			ticket.ServiceID = payload.ServiceID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.Position != 0 {
			ticket.Position = payload.Position
		}
		ticket.TimerExpiry = payload.TimerExpiry
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.NotifiedAt != nil {
			ticket.NotifiedAt = payload.NotifiedAt
		}
		if payload.ArrivedAt != nil {
			ticket.ArrivedAt = payload.ArrivedAt
		}
		if payload.ServiceStartedAt != nil {
			ticket.ServiceStartedAt = payload.ServiceStartedAt
		}
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		if payload.CancelledAt != nil {
			ticket.CancelledAt = payload.CancelledAt
		}
		if payload.ExpiredAt != nil {
			ticket.ExpiredAt = payload.ExpiredAt
		}
		if payload.CancelReason != "" {
			ticket.CancelReason = payload.CancelReason
		}
		if payload.PenaltyApplied != nil {
			ticket.PenaltyApplied = payload.PenaltyApplied
		}
		if payload.PenaltyReason != "" {
			ticket.PenaltyReason = payload.PenaltyReason
		}
		if payload.AppliedRewardID != "" {
			ticket.AppliedRewardID = payload.AppliedRewardID
		}
	}
	return ticket, nil
}
