package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/janitor"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/model"
	"github.com/mbd888/riskengine/internal/profile"
)

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://risk:s3cret@db:5432/risk?sslmode=disable")
	assert.NotContains(t, masked, "s3cret")
	assert.Contains(t, masked, "risk:")
	assert.Contains(t, masked, "@db:5432/risk")
	assert.Equal(t, "postgres://db/risk", maskDSN("postgres://db/risk"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestMemoryBackendsAreSwept(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:    config.BackendMemory,
		LedgerBackend:   config.BackendMemory,
		MarkerRetention: 48 * time.Hour,
		DedupLease:      dedup.DefaultLease,
		DedupRetention:  dedup.DefaultRetention,
	}

	store := newStore(cfg, nil)
	_, ok := store.(*profile.MemoryStore)
	require.True(t, ok)
	_, ok = store.(janitor.Sweeper)
	assert.True(t, ok, "memory store should be registered with the janitor")

	ledger := newLedger(cfg, nil, nil)
	_, ok = ledger.(janitor.Sweeper)
	assert.True(t, ok, "memory ledger should be registered with the janitor")
}

func TestNewScorer(t *testing.T) {
	logger := logging.New("error", "text")

	s, err := newScorer(&config.Config{
		Model:            model.Config{Type: model.TypeLogistic},
		BreakerThreshold: 5,
		BreakerOpen:      time.Second,
		ScorerTimeout:    50 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, model.TypeLogistic, s.Name())

	_, err = newScorer(&config.Config{Model: model.Config{Type: "forest"}}, logger)
	assert.Error(t, err)
}
