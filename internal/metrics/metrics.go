package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_ticket_transitions_total",
			Help: "Ticket state machine transitions by event and result",
		},
		[]string{"event", "result"},
	)

	LedgerPoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_ledger_points_total",
			Help: "Absolute points moved through the ledger by reason",
		},
		[]string{"reason"},
	)

	RewardsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "barberline_rewards_generated_total",
			Help: "Rewards issued after a stamp threshold was crossed",
		},
	)

	RewardsRedeemed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_rewards_redeemed_total",
			Help: "Reward redemptions by stage",
		},
		[]string{"stage"},
	)

	SweepExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_sweep_expired_total",
			Help: "Entities expired by the periodic sweeps",
		},
		[]string{"kind"},
	)

	SweepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_sweep_failures_total",
			Help: "Per-entity failures swallowed by the sweeps",
		},
		[]string{"stage"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_notifications_total",
			Help: "Notification dispatch attempts by result",
		},
		[]string{"result"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_outbox_published_total",
			Help: "Outbox events relayed to the broker by result",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barberline_http_requests_total",
			Help: "HTTP requests by status class",
		},
		[]string{"status_class"},
	)
)

// Result labels shared by the counters above.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
