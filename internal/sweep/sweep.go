// Package sweep runs the periodic ticket and reward expiration passes.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"qms/barberline/internal/metrics"
	"qms/barberline/internal/queue"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TicketLockKey = "barberline:sweep:tickets"
	RewardLockKey = "barberline:sweep:rewards"

	// maxRounds bounds one tick when the due set keeps filling batches.
	maxRounds = 50
)

type TicketExpirer interface {
	ExpireDue(ctx context.Context, limit int) (queue.SweepResult, error)
}

type RewardExpirer interface {
	ExpireRewards(ctx context.Context, limit int) (int, error)
	ExpireStamps(ctx context.Context, limit int) (int, error)
}

type Config struct {
	BatchSize int
	LockTTL   time.Duration
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type Sweeper struct {
	tickets TicketExpirer
	rewards RewardExpirer
	locker  Locker
	batch   int
	ttl     time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(tickets TicketExpirer, rewards RewardExpirer, locker Locker, cfg Config) *Sweeper {
	if locker == nil {
		locker = NoopLock{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 50 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("qms/barberline/sweep")
	}
	return &Sweeper{
		tickets: tickets,
		rewards: rewards,
		locker:  locker,
		batch:   cfg.BatchSize,
		ttl:     cfg.LockTTL,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
	}
}

// SweepTickets expires every due ticket in batches. It reports false when
// another replica holds the lock for this tick.
func (s *Sweeper) SweepTickets(ctx context.Context) (queue.SweepResult, bool, error) {
	var total queue.SweepResult
	ran, err := s.locked(ctx, TicketLockKey, func(ctx context.Context) error {
		for round := 0; round < maxRounds; round++ {
			result, err := s.tickets.ExpireDue(ctx, s.batch)
			total.Due += result.Due
			total.Expired += result.Expired
			total.Failures += result.Failures
			if err != nil {
				return err
			}
			if result.Due < s.batch {
				return nil
			}
		}
		return nil
	})
	if ran && (total.Expired > 0 || err != nil) {
		s.logger.Info("ticket sweep",
			"due", total.Due,
			"expired", total.Expired,
			"failures", total.Failures,
			"error", err,
		)
	}
	return total, ran, err
}

// SweepRewards expires past-due rewards and stamps.
func (s *Sweeper) SweepRewards(ctx context.Context) (rewards, stamps int, ran bool, err error) {
	ran, err = s.locked(ctx, RewardLockKey, func(ctx context.Context) error {
		var err error
		rewards, err = drain(ctx, s.batch, s.rewards.ExpireRewards)
		if err != nil {
			return err
		}
		stamps, err = drain(ctx, s.batch, s.rewards.ExpireStamps)
		return err
	})
	if ran && (rewards > 0 || stamps > 0 || err != nil) {
		s.logger.Info("reward sweep", "rewards", rewards, "stamps", stamps, "error", err)
	}
	return rewards, stamps, ran, err
}

func drain(ctx context.Context, batch int, fn func(context.Context, int) (int, error)) (int, error) {
	total := 0
	for round := 0; round < maxRounds; round++ {
		n, err := fn(ctx, batch)
		total += n
		if err != nil || n < batch {
			return total, err
		}
	}
	return total, nil
}

func (s *Sweeper) locked(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "sweep."+key, trace.WithAttributes(attribute.String("lock", key)))
	defer span.End()

	acquired, err := s.locker.Acquire(ctx, key, s.ttl)
	if err != nil {
		metrics.SweepFailures.WithLabelValues("lock").Inc()
		span.RecordError(err)
		return false, err
	}
	if !acquired {
		span.SetAttributes(attribute.Bool("skipped", true))
		return false, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("sweep lock release failed", "lock", key, "error", err)
		}
	}()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return true, err
	}
	return true, nil
}

// Start runs fn every interval until ctx is done.
func Start(ctx context.Context, interval time.Duration, name string, logger *slog.Logger, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("periodic job failed", "job", name, "error", err)
			}
		}
	}
}

// Run starts the ticket and reward loops and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context, ticketInterval, rewardInterval time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Start(ctx, rewardInterval, "reward-sweep", s.logger, func(ctx context.Context) error {
			_, _, _, err := s.SweepRewards(ctx)
			return err
		})
	}()
	Start(ctx, ticketInterval, "ticket-sweep", s.logger, func(ctx context.Context) error {
		_, _, err := s.SweepTickets(ctx)
		return err
	})
	<-done
}
