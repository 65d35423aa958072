package store

import "qms/barberline/internal/models"

const (
	EventAdvance      = "advance"
	EventArrive       = "arrive"
	EventStartService = "start_service"
	EventComplete     = "complete"
	EventCancel       = "cancel"
	EventExpire       = "expire"
)

var transitionMap = map[string][]string{
	EventAdvance:      {models.StatusWaiting},
	EventArrive:       {models.StatusWaiting, models.StatusNotified},
	EventStartService: {models.StatusArrived, models.StatusNotified},
	EventComplete:     {models.StatusInService, models.StatusArrived},
	EventCancel:       {models.StatusWaiting, models.StatusNotified, models.StatusArrived, models.StatusInService},
	EventExpire:       {models.StatusWaiting, models.StatusNotified},
}

var transitionTargets = map[string]string{
	EventAdvance:      models.StatusNotified,
	EventArrive:       models.StatusArrived,
	EventStartService: models.StatusInService,
	EventComplete:     models.StatusCompleted,
	EventCancel:       models.StatusCancelled,
	EventExpire:       models.StatusExpired,
}

func ValidTransition(event, fromStatus string) bool {
	allowed, ok := transitionMap[event]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the source statuses accepted by event.
func AllowedFrom(event string) []string {
	allowed := transitionMap[event]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

// TargetStatus returns the status a ticket lands in after event.
func TargetStatus(event string) (string, bool) {
	status, ok := transitionTargets[event]
	return status, ok
}

// EventType is the audit/outbox event name recorded for a transition.
func EventType(event string) string {
	switch event {
	case EventAdvance:
		return "ticket.notified"
	case EventArrive:
		return "ticket.arrived"
	case EventStartService:
		return "ticket.in_service"
	case EventComplete:
		return "ticket.completed"
	case EventCancel:
		return "ticket.cancelled"
	case EventExpire:
		return "ticket.expired"
	default:
		return "ticket." + event
	}
}

// ApplyTransition checks event against the ticket's current status and moves
// ticket into the target status, stamping the phase timestamp for it.
func ApplyTransition(ticket *models.Ticket, input TransitionInput) error {
	if !ValidTransition(input.Event, ticket.Status) {
		return ErrInvalidState
	}
	if input.ExpectedStatus != "" && ticket.Status != input.ExpectedStatus {
		return ErrInvalidState
	}
	to, _ := TargetStatus(input.Event)
	at := input.OccurredAt

	ticket.Status = to
	ticket.UpdatedAt = at
	ticket.TimerExpiry = nil
	switch to {
	case models.StatusNotified:
		ticket.NotifiedAt = &at
		ticket.TimerExpiry = input.TimerExpiry
	case models.StatusArrived:
		ticket.ArrivedAt = &at
	case models.StatusInService:
		ticket.ServiceStartedAt = &at
	case models.StatusCompleted:
		ticket.CompletedAt = &at
	case models.StatusCancelled:
		ticket.CancelledAt = &at
		ticket.CancelReason = input.CancelReason
	case models.StatusExpired:
		ticket.ExpiredAt = &at
	}
	if input.PenaltyReason != "" {
		points := input.PenaltyPoints
		ticket.PenaltyApplied = &points
		ticket.PenaltyReason = input.PenaltyReason
	}
	return nil
}
