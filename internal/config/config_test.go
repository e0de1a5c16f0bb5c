package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/rules"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, DefaultMaxBatchSize, cfg.MaxBatchSize)
	assert.Equal(t, DefaultStoreTimeout, cfg.StoreTimeout)
	assert.Equal(t, DefaultScorerTimeout, cfg.ScorerTimeout)
	assert.Equal(t, 24*time.Hour, cfg.DedupRetention)
	assert.Equal(t, "transactions", cfg.StreamInput)
	assert.Equal(t, "risk_scores", cfg.StreamOutput)
	assert.Equal(t, "risk-engine", cfg.StreamGroup)
	assert.Positive(t, cfg.Workers)

	require.NotNil(t, cfg.Runtime)
	assert.Len(t, cfg.Runtime.Windows, 3)
	assert.Len(t, cfg.Runtime.Rules.Definitions(), 9)
	assert.Equal(t, 0.7, cfg.Runtime.Policy.Threshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setEnv(t, "RULES_HIGH_AMOUNT", "2500")
	setEnv(t, "RULES_VELOCITY_LIMIT", "8")
	setEnv(t, "RULES_LOCATION_RADIUS", "250")
	setEnv(t, "MODEL_THRESHOLD", "0.8")
	setEnv(t, "REDIS_HOST", "redis.example.com")
	setEnv(t, "REDIS_PORT", "6380")
	setEnv(t, "STORE_TIMEOUT", "100ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2500.0, cfg.Scoring.Thresholds.HighAmount)
	assert.Equal(t, int64(8), cfg.Runtime.Features.VelocityLimit)
	assert.Equal(t, 250.0, cfg.Runtime.Features.LocationRadiusKm)
	assert.Equal(t, 0.8, cfg.Runtime.Policy.Threshold)
	assert.Equal(t, "redis.example.com:6380", cfg.RedisAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.StoreTimeout)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, 6000, cfg.RateLimitRPM)

	defs := cfg.Runtime.Rules.Definitions()
	assert.Equal(t, rules.CodeHighAmount, defs[0].Code)
	assert.Equal(t, 2500.0, defs[0].Threshold)
}

func TestLoad_MalformedScoringEnv(t *testing.T) {
	setEnv(t, "RULES_VELOCITY_LIMIT", "lots")

	_, err := Load()
	assert.ErrorContains(t, err, "RULES_VELOCITY_LIMIT")
}

func TestLoadScoring_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	body := `
windows: [30s, 1h]
aggregation: max
rules:
  - code: BIG
    kind: amount_above
    severity: 0.6
    threshold: 1000
  - code: HOURLY
    kind: velocity_count_above
    severity: 0.4
    threshold: 20
    window: 1h
fusion:
  rule_weight: 0.7
  model_weight: 0.3
  threshold: 0.6
  bands:
    - {level: LOW, lower: 0}
    - {level: HIGH, lower: 0.5}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s, err := LoadScoring(path)
	require.NoError(t, err)
	rt, err := s.Compile()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, rt.Windows[0].Size)
	assert.Equal(t, time.Hour, rt.LargestWindow())
	assert.Len(t, rt.Rules.Definitions(), 2)
	assert.Equal(t, 0.7, rt.Policy.RuleWeight)
	assert.Equal(t, fraud.RiskHigh, rt.Policy.Level(0.55))
	// Unset keys keep their defaults.
	assert.Equal(t, 10.0, rt.Features.AmountRatioCap)
}

func TestScoring_CompileRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Scoring)
	}{
		{"no windows", func(s *Scoring) { s.Windows = nil }},
		{"bad window", func(s *Scoring) { s.Windows = []string{"soon"} }},
		{"zero threshold", func(s *Scoring) { s.Thresholds.VelocityLimit = 0 }},
		{"ratio cap", func(s *Scoring) { s.AmountRatioCap = 1 }},
		{"bad aggregation", func(s *Scoring) { s.Aggregation = "mean" }},
		{"bad rule", func(s *Scoring) {
			s.Rules = []rules.Definition{{Code: "X", Kind: rules.KindNightTime, Severity: 2}}
		}},
		{"rule on missing window", func(s *Scoring) {
			s.Rules = []rules.Definition{{Code: "X", Kind: rules.KindVelocityCountAbove, Severity: 0.2, Window: "5m"}}
		}},
		{"band gap", func(s *Scoring) { s.Fusion.Bands[0].Lower = 0.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultScoring()
			tt.mutate(&s)
			_, err := s.Compile()
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreBackend:    BackendMemory,
			LedgerBackend:   BackendMemory,
			Workers:         4,
			MaxBatchSize:    100,
			StoreTimeout:    time.Second,
			ScorerTimeout:   time.Second,
			DrainTimeout:    time.Second,
			DedupLease:      time.Second,
			DedupRetention:  time.Hour,
			MarkerRetention: 48 * time.Hour,
			MaxClockSkew:    time.Minute,
			Scoring:         DefaultScoring(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown store", func(c *Config) { c.StoreBackend = "etcd" }, "STORE_BACKEND"},
		{"redis store without addr", func(c *Config) { c.StoreBackend = BackendRedis }, "REDIS_ADDR"},
		{"postgres ledger without url", func(c *Config) { c.LedgerBackend = BackendPostgres }, "DATABASE_URL"},
		{"stream without redis", func(c *Config) { c.StreamEnabled = true }, "STREAM_ENABLED"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"zero store timeout", func(c *Config) { c.StoreTimeout = 0 }, "STORE_TIMEOUT"},
		{"markers shorter than window", func(c *Config) { c.MarkerRetention = time.Hour }, "MARKER_RETENTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				assert.NotNil(t, c.Runtime)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "development"}
	assert.True(t, c.IsDevelopment())
	assert.False(t, c.IsProduction())

	setEnv(t, "SOME_DURATION", "not-a-duration")
	assert.Equal(t, time.Second, getEnvDuration("SOME_DURATION", time.Second))
	setEnv(t, "SOME_BOOL", "true")
	assert.True(t, getEnvBool("SOME_BOOL", false))

	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example "))
}
