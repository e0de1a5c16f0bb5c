package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/profile"
)

func TestParseWindows(t *testing.T) {
	specs, err := ParseWindows([]string{"24h", "1m", "7d", "1h"})
	require.NoError(t, err)

	var labels []string
	for _, s := range specs {
		labels = append(labels, s.Label)
	}
	assert.Equal(t, []string{"1m", "1h", "24h", "7d"}, labels)
	assert.Equal(t, 7*24*time.Hour, specs[3].Size)
}

func TestParseWindows_Errors(t *testing.T) {
	tests := map[string][]string{
		"empty":     nil,
		"garbage":   {"soon"},
		"too small": {"10ms"},
		"duplicate": {"60m", "1h"},
		"bad days":  {"xd"},
	}
	for name, labels := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWindows(labels)
			assert.Error(t, err)
		})
	}
}

func TestTracker_RecordAndQuery(t *testing.T) {
	specs, err := ParseWindows(DefaultWindows)
	require.NoError(t, err)
	tr := NewTracker(profile.NewMemoryStore(48*time.Hour), specs)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	snap, err := tr.RecordAndQuery(ctx, profile.UserKey("u1"), "tx_1", decimal.NewFromInt(150), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Shortest().Count)

	snap, err = tr.RecordAndQuery(ctx, profile.UserKey("u1"), "tx_2", decimal.NewFromInt(50), now.Add(10*time.Second))
	require.NoError(t, err)
	day, ok := snap.Get("24h")
	require.True(t, ok)
	assert.Equal(t, int64(2), day.Count)
	assert.True(t, decimal.NewFromInt(200).Equal(day.Sum))

	peek, err := tr.Query(ctx, profile.UserKey("u1"), now.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), peek.Shortest().Count)
	hour, _ := peek.Get("1h")
	assert.Equal(t, int64(2), hour.Count)

	_, ok = peek.Get("5m")
	assert.False(t, ok)
	assert.Equal(t, int64(0), Snapshot(nil).Shortest().Count)
}
