package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"qms/barberline/internal/auth"
	"qms/barberline/internal/config"
	"qms/barberline/internal/events"
	"qms/barberline/internal/httpapi"
	"qms/barberline/internal/ledger"
	"qms/barberline/internal/loyalty"
	"qms/barberline/internal/models"
	"qms/barberline/internal/notify"
	"qms/barberline/internal/queue"
	"qms/barberline/internal/store"
	"qms/barberline/internal/store/memory"
	"qms/barberline/internal/store/postgres"
	"qms/barberline/internal/sweep"
	"qms/barberline/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "barberline"

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	shutdownTelemetry := telemetry.Setup(serviceName, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(notify.NewProvider(cfg.NotifyProvider, notify.PubNubConfig{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		SecretKey:    cfg.PubNubSecretKey,
		UserID:       cfg.PubNubUserID,
	}, logger), notify.DispatcherConfig{Logger: logger})
	dispatcher.Start()
	defer dispatcher.Close()

	pointsLedger := ledger.New(st, ledger.Options{Logger: logger})
	engine := loyalty.NewEngine(st, st, policies, loyalty.Options{Logger: logger, Notifier: dispatcher})
	machine := queue.NewMachine(st, st, pointsLedger, engine, policies, queue.Options{
		Logger:   logger,
		Notifier: dispatcher,
		Tracer:   telemetry.Tracer("qms/barberline/queue"),
	})

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	sweeper := sweep.New(machine, engine, locker, sweep.Config{
		BatchSize: cfg.SweepBatchSize,
		LockTTL:   cfg.SweepLockTTL,
		Logger:    logger,
		Tracer:    telemetry.Tracer("qms/barberline/sweep"),
	})

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()
	relay := events.NewRelay(st, publisher, events.RelayConfig{
		BatchSize:     cfg.OutboxBatchSize,
		VisibilityLag: cfg.OutboxLag,
		Logger:        logger,
	})

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		sweeper.Run(ctx, cfg.SweepInterval, cfg.RewardSweepInterval)
	}()
	go func() {
		defer workers.Done()
		relay.Start(ctx, cfg.OutboxInterval)
	}()

	handler := httpapi.NewHandler(machine, engine, pointsLedger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		SubjectPerMinute: cfg.SubjectRateLimitPerMinute,
		SubjectBurst:     cfg.SubjectRateLimitBurst,
	})
	verifier := auth.NewVerifier(cfg.JWTSecret, time.Hour)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Stack(verifier, limiter, logger), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("barberline listening", "addr", server.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	stop()
	workers.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		st := memory.New(cfg.PerPersonMinutes)
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		if err := applySeed(st, seed); err != nil {
			return nil, nil, err
		}
		logger.Info("using in-memory store", "branches", len(seed.Branches), "users", len(seed.Users))
		return st, func() {}, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DB_DSN is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		return postgres.NewStore(pool, postgres.Options{PerPersonMinutes: cfg.PerPersonMinutes}), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func applySeed(st *memory.Store, seed config.Seed) error {
	for _, u := range seed.Users {
		st.PutUser(models.User{UserID: u.UserID, Balance: u.Balance})
	}
	for _, b := range seed.Branches {
		st.PutBranch(models.Branch{BranchID: b.BranchID, FranchiseID: b.FranchiseID, Code: b.Code, Name: b.Name})
	}
	for _, s := range seed.Services {
		price := decimal.Zero
		if s.Price != "" {
			parsed, err := decimal.NewFromString(s.Price)
			if err != nil {
				return fmt.Errorf("service %s price: %w", s.ServiceID, err)
			}
			price = parsed
		}
		st.PutService(models.Service{ServiceID: s.ServiceID, FranchiseID: s.FranchiseID, Name: s.Name, Price: price})
	}
	for _, b := range seed.Barbers {
		st.PutBarber(models.Barber{BarberID: b.BarberID, UserID: b.UserID, BranchID: b.BranchID})
	}
	return nil
}

func openLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (sweep.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, sweeps run without leader election")
		return sweep.NoopLock{}, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return sweep.NewRedisLock(client, ""), func() { _ = client.Close() }, nil
}

func openPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.LogPublisher{Logger: logger}, nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}
