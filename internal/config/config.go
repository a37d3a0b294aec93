package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"qms/queue-engine/internal/scoring"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	RedisPrefix  string
	QueueBackend string
	LogLevel     string

	Scoring scoring.Options

	RebalanceInterval    time.Duration
	RebalanceConcurrency int
	RebalanceTimeout     time.Duration
	ConflictRetries      int

	RateLimitPerMinute int
	RateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("QUEUE_BACKEND")))
	if backend == "" {
		backend = BackendMemory
		if os.Getenv("REDIS_URL") != "" {
			backend = BackendRedis
		}
	}

	return Config{
		Port:         port,
		DatabaseURL:  os.Getenv("DB_DSN"),
		RedisURL:     os.Getenv("REDIS_URL"),
		RedisPrefix:  readString("REDIS_PREFIX", "qms:"),
		QueueBackend: backend,
		LogLevel:     readString("LOG_LEVEL", "info"),
		Scoring: scoring.Options{
			GracePeriod:     readDurationSeconds("GRACE_PERIOD_SECONDS", 300),
			EarlyLimit:      readDurationSeconds("EARLY_LIMIT_SECONDS", 900),
			AgingMultiplier: readFloat("AGING_MULTIPLIER", scoring.DefaultAgingMultiplier),
			AgingCap:        readFloat("AGING_CAP", scoring.DefaultAgingCap),
			ForceServeAfter: time.Duration(readInt("FORCE_SERVE_MINUTES", 40)) * time.Minute,
		}.Normalize(),
		RebalanceInterval:    readDurationSeconds("REBALANCE_INTERVAL_SECONDS", 30),
		RebalanceConcurrency: readInt("REBALANCE_CONCURRENCY", 4),
		RebalanceTimeout:     readDurationSeconds("REBALANCE_TIMEOUT_SECONDS", 10),
		ConflictRetries:      readInt("QUEUE_CONFLICT_RETRIES", 5),
		RateLimitPerMinute:   readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 30),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:         readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
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

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
