package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string
	JWTSecret   string
	RedisURL    string
	LogLevel    slog.Level

	SweepInterval       time.Duration
	SweepBatchSize      int
	RewardSweepInterval time.Duration
	SweepLockTTL        time.Duration
	PerPersonMinutes    int

	PolicyFile string
	SeedFile   string

	NotifyProvider     string
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	AMQPURL         string
	AMQPExchange    string
	OutboxInterval  time.Duration
	OutboxBatchSize int
	OutboxLag       time.Duration

	RateLimitPerMinute        int
	RateLimitBurst            int
	SubjectRateLimitPerMinute int
	SubjectRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		StoreDriver: readString("STORE_DRIVER", "postgres"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogLevel:    readLevel("LOG_LEVEL", slog.LevelInfo),

		SweepInterval:       readDurationSeconds("SWEEP_INTERVAL_SECONDS", 60),
		SweepBatchSize:      readInt("SWEEP_BATCH_SIZE", 200),
		RewardSweepInterval: readDurationSeconds("REWARD_SWEEP_INTERVAL_SECONDS", 60),
		SweepLockTTL:        readDurationSeconds("SWEEP_LOCK_TTL_SECONDS", 50),
		PerPersonMinutes:    readInt("PER_PERSON_MINUTES", 30),

		PolicyFile: os.Getenv("POLICY_FILE"),
		SeedFile:   os.Getenv("SEED_FILE"),

		NotifyProvider:     readString("NOTIFY_PROVIDER", "log"),
		PubNubPublishKey:   os.Getenv("PUBNUB_PUBLISH_KEY"),
		PubNubSubscribeKey: os.Getenv("PUBNUB_SUBSCRIBE_KEY"),
		PubNubSecretKey:    os.Getenv("PUBNUB_SECRET_KEY"),
		PubNubUserID:       readString("PUBNUB_USER_ID", "barberline"),

		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPExchange:    readString("AMQP_EXCHANGE", "barberline.events"),
		OutboxInterval:  readDurationSeconds("OUTBOX_INTERVAL_SECONDS", 5),
		OutboxBatchSize: readInt("OUTBOX_BATCH_SIZE", 100),
		OutboxLag:       readDurationSeconds("OUTBOX_VISIBILITY_LAG_SECONDS", 2),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		SubjectRateLimitPerMinute: readInt("SUBJECT_RATE_LIMIT_PER_MIN", 600),
		SubjectRateLimitBurst:     readInt("SUBJECT_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readLevel(key string, fallback slog.Level) slog.Level {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
