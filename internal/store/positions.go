package store

import (
	"fmt"
	"sort"
	"time"

	"qms/barberline/internal/models"
)

// PerPersonMinutes is the service time assumed for each ticket ahead.
const PerPersonMinutes = 30

const ticketNumberPad = 3

// EstimatedWait returns the wait in minutes for a ticket at position.
func EstimatedWait(position, perPersonMinutes int) int {
	if position <= 1 {
		return 0
	}
	return (position - 1) * perPersonMinutes
}

// SortByPosition orders tickets by position, breaking ties by creation time.
func SortByPosition(tickets []models.Ticket) []models.Ticket {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].Position != tickets[j].Position {
			return tickets[i].Position < tickets[j].Position
		}
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets
}

// Renumber sorts active tickets by their current position and assigns the
// dense sequence 1..N. Ties keep creation order. The input slice is sorted in
// place and returned.
func Renumber(tickets []models.Ticket, perPersonMinutes int) []models.Ticket {
	SortByPosition(tickets)
	for i := range tickets {
		tickets[i].Position = i + 1
		tickets[i].EstimatedWaitTime = EstimatedWait(i+1, perPersonMinutes)
	}
	return tickets
}

// ServingPosition is the highest position among tickets staff has already
// called forward, or 0 when nobody has been called.
func ServingPosition(active []models.Ticket) int {
	serving := 0
	for _, t := range active {
		if models.IsCalled(t.Status) && t.Position > serving {
			serving = t.Position
		}
	}
	return serving
}

// AdmitPosition returns the position a new ticket would take, or ErrQueueFull
// when it would sit more than maxAdvance places past the served ticket.
func AdmitPosition(active []models.Ticket, maxAdvance int) (int, error) {
	position := len(active) + 1
	if maxAdvance > 0 && position-ServingPosition(active) > maxAdvance {
		return 0, ErrQueueFull
	}
	return position, nil
}

// FormatTicketNumber renders BRANCHCODE-YYYYMMDD-NNN.
func FormatTicketNumber(branchCode string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%0*d", branchCode, day.UTC().Format("20060102"), ticketNumberPad, seq)
}

// TicketDay truncates t to the UTC calendar day used for ticket sequences.
func TicketDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
