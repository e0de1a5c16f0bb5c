// Package config handles application configuration from environment
// variables and the scoring settings file.
package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/riskengine/internal/model"
)

// Backends for the profile store and idempotency ledger.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// HTTP surface
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Profile store
	StoreBackend    string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	MarkerRetention time.Duration // applied-transaction markers; must cover the largest window
	ProfileTTL      time.Duration // idle Redis profiles; zero keeps them

	// Idempotency ledger
	LedgerBackend  string
	DatabaseURL    string
	DedupLease     time.Duration
	DedupRetention time.Duration

	// Streaming
	StreamEnabled    bool
	StreamInput      string
	StreamOutput     string
	StreamDeadLetter string
	StreamGroup      string
	StreamConsumer   string
	StreamBlock      time.Duration
	StreamMinIdle    time.Duration
	StreamMaxLen     int64
	StreamTimeout    time.Duration

	// Pipeline
	Workers       int
	MaxBatchSize  int
	MaxClockSkew  time.Duration
	StoreTimeout  time.Duration
	ScorerTimeout time.Duration
	DrainTimeout  time.Duration
	SweepInterval time.Duration

	// Anomaly model
	Model            model.Config
	BreakerThreshold int
	BreakerOpen      time.Duration

	// Observability
	OTelEndpoint     string
	TraceSampleRatio float64

	// Scoring settings; see scoring.go
	ScoringFile           string
	ScoringReloadInterval time.Duration
	Scoring               Scoring
	Runtime               *Runtime
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultKeyPrefix     = "risk:"
	DefaultMaxBatchSize  = 100
	DefaultStoreTimeout  = 250 * time.Millisecond
	DefaultScorerTimeout = 50 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", 6000)),
		RateLimitBurst: int(getEnvInt64("RATE_LIMIT_BURST", 200)),

		StoreBackend:    getEnv("STORE_BACKEND", BackendMemory),
		RedisAddr:       redisAddr(),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         int(getEnvInt64("REDIS_DB", 0)),
		RedisKeyPrefix:  getEnv("REDIS_KEY_PREFIX", DefaultKeyPrefix),
		MarkerRetention: getEnvDuration("MARKER_RETENTION", 48*time.Hour),
		ProfileTTL:      getEnvDuration("PROFILE_TTL", 0),

		LedgerBackend:  getEnv("LEDGER_BACKEND", BackendMemory),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DedupLease:     getEnvDuration("DEDUP_LEASE", 30*time.Second),
		DedupRetention: getEnvDuration("DEDUP_RETENTION", 24*time.Hour),

		StreamEnabled:    getEnvBool("STREAM_ENABLED", false),
		StreamInput:      getEnv("STREAM_INPUT", "transactions"),
		StreamOutput:     getEnv("STREAM_OUTPUT", "risk_scores"),
		StreamDeadLetter: getEnv("STREAM_DEAD_LETTER", "transactions_rejected"),
		StreamGroup:      getEnv("STREAM_GROUP", "risk-engine"),
		StreamConsumer:   os.Getenv("STREAM_CONSUMER"),
		StreamBlock:      getEnvDuration("STREAM_BLOCK", time.Second),
		StreamMinIdle:    getEnvDuration("STREAM_MIN_IDLE", 30*time.Second),
		StreamMaxLen:     getEnvInt64("STREAM_MAX_LEN", 100000),
		StreamTimeout:    getEnvDuration("STREAM_TIMEOUT", 2*time.Second),

		Workers:       int(getEnvInt64("WORKERS", int64(2*runtime.NumCPU()))),
		MaxBatchSize:  int(getEnvInt64("MAX_BATCH_SIZE", DefaultMaxBatchSize)),
		MaxClockSkew:  getEnvDuration("MAX_CLOCK_SKEW", 5*time.Minute),
		StoreTimeout:  getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		ScorerTimeout: getEnvDuration("SCORER_TIMEOUT", DefaultScorerTimeout),
		DrainTimeout:  getEnvDuration("DRAIN_TIMEOUT", 10*time.Second),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),

		Model: model.Config{
			Type:     getEnv("MODEL_TYPE", model.TypeLogistic),
			Path:     os.Getenv("MODEL_PATH"),
			URL:      os.Getenv("MODEL_URL"),
			Secret:   os.Getenv("MODEL_SECRET"),
			Constant: getEnvFloat("MODEL_CONSTANT", 0),
			Timeout:  getEnvDuration("MODEL_HTTP_TIMEOUT", time.Second),
		},
		BreakerThreshold: int(getEnvInt64("BREAKER_THRESHOLD", 5)),
		BreakerOpen:      getEnvDuration("BREAKER_OPEN", 30*time.Second),

		OTelEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1),

		ScoringFile:           os.Getenv("SCORING_FILE"),
		ScoringReloadInterval: getEnvDuration("SCORING_RELOAD_INTERVAL", 0),
	}

	scoring, err := LoadScoring(cfg.ScoringFile)
	if err != nil {
		return nil, err
	}
	cfg.Scoring = scoring

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable and compiles the
// scoring settings into cfg.Runtime.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.StoreBackend)
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis ledger backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger backend")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be memory, redis or postgres, got %q", c.LedgerBackend)
	}

	if c.StreamEnabled && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when STREAM_ENABLED is set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"STORE_TIMEOUT":    c.StoreTimeout,
		"SCORER_TIMEOUT":   c.ScorerTimeout,
		"DRAIN_TIMEOUT":    c.DrainTimeout,
		"DEDUP_LEASE":      c.DedupLease,
		"DEDUP_RETENTION":  c.DedupRetention,
		"MARKER_RETENTION": c.MarkerRetention,
		"MAX_CLOCK_SKEW":   c.MaxClockSkew,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	rt, err := c.Scoring.Compile()
	if err != nil {
		return fmt.Errorf("scoring settings: %w", err)
	}
	if err := c.CheckRuntime(rt); err != nil {
		return err
	}
	c.Runtime = rt
	return nil
}

// CheckRuntime rejects scoring settings the running stores cannot honour.
// Markers must outlive the largest window or a replay could be counted
// twice within it.
func (c *Config) CheckRuntime(rt *Runtime) error {
	if largest := rt.LargestWindow(); c.MarkerRetention < largest {
		return fmt.Errorf("MARKER_RETENTION %s is shorter than the %s velocity window", c.MarkerRetention, largest)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// redisAddr prefers REDIS_ADDR and falls back to REDIS_HOST/REDIS_PORT.
func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		return net.JoinHostPort(host, getEnv("REDIS_PORT", "6379"))
	}
	return ""
}

// Helper functions

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
