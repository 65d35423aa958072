package store

import (
	"testing"
	"time"

	"qms/barberline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenumberProducesDenseSequence(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tickets := []models.Ticket{
		{TicketID: "c", Position: 5, CreatedAt: base.Add(3 * time.Minute)},
		{TicketID: "a", Position: 1, CreatedAt: base},
		{TicketID: "b", Position: 3, CreatedAt: base.Add(time.Minute)},
	}

	out := Renumber(tickets, PerPersonMinutes)

	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].TicketID, out[1].TicketID, out[2].TicketID})
	for i, ticket := range out {
		assert.Equal(t, i+1, ticket.Position)
		assert.Equal(t, i*PerPersonMinutes, ticket.EstimatedWaitTime)
	}

	again := Renumber(out, PerPersonMinutes)
	assert.Equal(t, out, again)
}

func TestAdmitPosition(t *testing.T) {
	cases := []struct {
		name       string
		active     []models.Ticket
		maxAdvance int
		want       int
		err        error
	}{
		{"empty branch", nil, 2, 1, nil},
		{"second waiting", []models.Ticket{{Position: 1, Status: models.StatusWaiting}}, 2, 2, nil},
		{"advance limit reached", []models.Ticket{
			{Position: 1, Status: models.StatusWaiting},
			{Position: 2, Status: models.StatusWaiting},
		}, 2, 0, ErrQueueFull},
		{"limit measured from served ticket", []models.Ticket{
			{Position: 1, Status: models.StatusInService},
			{Position: 2, Status: models.StatusWaiting},
		}, 2, 3, nil},
		{"unlimited", []models.Ticket{
			{Position: 1, Status: models.StatusWaiting},
			{Position: 2, Status: models.StatusWaiting},
			{Position: 3, Status: models.StatusWaiting},
		}, 0, 4, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AdmitPosition(tc.active, tc.maxAdvance)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatTicketNumber(t *testing.T) {
	day := time.Date(2026, 10, 15, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "DOWN-20261015-007", FormatTicketNumber("DOWN", day, 7))
	assert.Equal(t, "DOWN-20261015-1000", FormatTicketNumber("DOWN", day, 1000))
}
