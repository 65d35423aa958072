// Package notify delivers best-effort user notifications. Delivery never
// blocks or fails the operation that triggered it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qms/barberline/internal/metrics"
)

type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier is the fire-and-forget gateway consumed by the domain packages.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload Payload)
}

// Provider performs the actual delivery for a Dispatcher.
type Provider interface {
	Name() string
	Send(ctx context.Context, userID string, payload Payload) error
}

type Noop struct{}

func (Noop) Notify(context.Context, string, Payload) {}

type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

type job struct {
	userID  string
	payload Payload
}

// Dispatcher queues notifications and hands them to a Provider from a small
// pool of workers. A full queue drops the notification.
type Dispatcher struct {
	provider Provider
	logger   *slog.Logger
	timeout  time.Duration
	workers  int

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

func NewDispatcher(provider Provider, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		provider: provider,
		logger:   cfg.Logger,
		timeout:  cfg.SendTimeout,
		workers:  cfg.Workers,
		jobs:     make(chan job, cfg.QueueSize),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Close stops accepting work and waits for queued notifications to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Notify(_ context.Context, userID string, payload Payload) {
	if userID == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case d.jobs <- job{userID: userID, payload: payload}:
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full", "user_id", userID, "title", payload.Title)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.send(j)
	}
}

func (d *Dispatcher) send(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.provider.Send(ctx, j.userID, j.payload); err != nil {
		metrics.Notifications.WithLabelValues(metrics.ResultError).Inc()
		d.logger.Warn("notification failed",
			"provider", d.provider.Name(),
			"user_id", j.userID,
			"title", j.payload.Title,
			"error", err,
		)
		return
	}
	metrics.Notifications.WithLabelValues(metrics.ResultOK).Inc()
}
