package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the ingest and gateway
// services.
type Config struct {
	Env           string
	HTTPPort      string
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the scheduling-event audit sink when non-empty.
	PostgresDSN string

	// ConsumerID names the single active drain consumer for claim tracking.
	ConsumerID string

	DedupTTL        time.Duration // dedup fingerprint lock lifetime
	DiscardTTL      time.Duration // P3 entries older than this are auto-acked
	AgingThreshold  time.Duration // wait time before P2/P3 age up one tier
	CoalesceWindow  time.Duration // P3 grouping window around "now"
	MaxP0Streak     int           // consecutive P0 picks before forcing a lower tier
	CandidateWindow int64         // index entries loaded per selection round
	DiscardScanSize int64         // tail entries inspected per auto-discard sweep
	RecoveryMaxAge  time.Duration // startup replay cutoff
	TrimMaxAge      time.Duration // retention horizon
	TrimBatchSize   int64         // log entries walked per trim batch
	TrimInterval    time.Duration // how often the gateway runs a trim sweep

	DrainLimit   int
	PollInterval time.Duration
	GatewayURL   string // optional downstream automation gateway

	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:           getEnv("APP_ENV", "dev"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		ConsumerID:    getEnv("CONSUMER_ID", ""),

		DedupTTL:        getEnvDuration("DEDUP_TTL", 30*time.Second),
		DiscardTTL:      getEnvDuration("P3_DISCARD_TTL", 60*time.Second),
		AgingThreshold:  getEnvDuration("AGING_THRESHOLD", 5*time.Minute),
		CoalesceWindow:  getEnvDuration("COALESCE_WINDOW", 60*time.Second),
		MaxP0Streak:     getEnvInt("MAX_P0_STREAK", 3),
		CandidateWindow: int64(getEnvInt("CANDIDATE_WINDOW", 50)),
		DiscardScanSize: int64(getEnvInt("DISCARD_SCAN_SIZE", 20)),
		RecoveryMaxAge:  getEnvDuration("RECOVERY_MAX_AGE", 10*time.Minute),
		TrimMaxAge:      getEnvDuration("TRIM_MAX_AGE", 24*time.Hour),
		TrimBatchSize:   int64(getEnvInt("TRIM_BATCH_SIZE", 100)),
		TrimInterval:    getEnvDuration("TRIM_INTERVAL", 10*time.Minute),

		DrainLimit:   getEnvInt("DRAIN_LIMIT", 5),
		PollInterval: getEnvDuration("POLL_INTERVAL", time.Second),
		GatewayURL:   getEnv("GATEWAY_URL", ""),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
