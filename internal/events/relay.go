package events

import (
	"context"
	"log/slog"
	"time"

	"qms/barberline/internal/metrics"
	"qms/barberline/internal/store"
)

const DefaultConsumer = "broker-relay"

type RelayConfig struct {
	Consumer  string
	BatchSize int
	// VisibilityLag holds back events recorded less than this long ago. A
	// writer can take a sequence number and commit after a higher one is
	// already visible; the lag keeps the offset from moving past it.
	VisibilityLag time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Relay forwards outbox events in sequence order and advances a stored
// offset past every event it delivered. Delivery is at least once for writes
// that commit within the visibility lag.
type Relay struct {
	store     store.OutboxStore
	publisher Publisher
	consumer  string
	batch     int
	lag       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewRelay(st store.OutboxStore, publisher Publisher, cfg RelayConfig) *Relay {
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.VisibilityLag < 0 {
		cfg.VisibilityLag = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		store:     st,
		publisher: publisher,
		consumer:  cfg.Consumer,
		batch:     cfg.BatchSize,
		lag:       cfg.VisibilityLag,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Run relays one batch and returns how many events were delivered. It stops
// at the first failed publish, or the first event still inside the visibility
// lag, so ordering is kept on the next run.
func (r *Relay) Run(ctx context.Context) (int, error) {
	last, err := r.store.GetOutboxOffset(ctx, r.consumer)
	if err != nil {
		return 0, err
	}
	events, err := r.store.ListOutboxEvents(ctx, last, r.batch)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.lag)
	delivered := 0
	var publishErr error
	for _, event := range events {
		if r.lag > 0 && event.RecordedAt.After(cutoff) {
			break
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			metrics.OutboxPublished.WithLabelValues(metrics.ResultError).Inc()
			r.logger.Error("outbox publish failed", "seq", event.Seq, "type", event.Type, "error", err)
			publishErr = err
			break
		}
		metrics.OutboxPublished.WithLabelValues(metrics.ResultOK).Inc()
		last = event.Seq
		delivered++
	}

	if delivered > 0 {
		if err := r.store.UpdateOutboxOffset(ctx, r.consumer, last); err != nil {
			return delivered, err
		}
	}
	return delivered, publishErr
}

// Start drains the outbox every interval until ctx is done.
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.Run(ctx)
				if err != nil {
					r.logger.Error("outbox relay failed", "consumer", r.consumer, "error", err)
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}
