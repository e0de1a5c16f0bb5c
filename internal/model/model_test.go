package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/circuitbreaker"
)

func TestLogistic_Default(t *testing.T) {
	l := DefaultLogistic()
	ctx := context.Background()

	quiet, err := l.Score(ctx, []float64{0, 0.2, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0998, quiet, 1e-4)

	busy, err := l.Score(ctx, []float64{0, 1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.731, busy, 1e-3)

	_, err = l.Score(ctx, []float64{1, 2})
	assert.Error(t, err)
}

func TestMeanAndConstant(t *testing.T) {
	m := &Mean{Weights: []float64{1, 1, 2, 0}}
	got, err := m.Score(context.Background(), []float64{1, 0, 0.5, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-9)

	c := Constant{Value: 0.3}
	got, err = c.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got)
}

func TestLoadArtifacts(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("bias: -1\nweights: [1, 1, 1, 1]\n"), 0o600))
	jsonPath := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"bias": 0.5, "weights": [0, 0, 0, 1]}`), 0o600))

	l, err := LoadLogistic(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, -1.0, l.Bias)
	assert.Len(t, l.Weights, 4)

	l, err = LoadLogistic(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 0.5, l.Bias)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("bias: 1\n"), 0o600))
	_, err = LoadLogistic(empty)
	assert.Error(t, err)

	_, err = LoadMean(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	negative := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("weights: [1, -1]\n"), 0o600))
	_, err = LoadMean(negative)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, TypeLogistic, s.Name())

	s, err = New(Config{Type: TypeMean})
	require.NoError(t, err)
	assert.Equal(t, TypeMean, s.Name())

	s, err = New(Config{Type: TypeConstant, Constant: 0.2})
	require.NoError(t, err)
	assert.Equal(t, TypeConstant, s.Name())

	_, err = New(Config{Type: TypeConstant, Constant: 2})
	assert.Error(t, err)
	_, err = New(Config{Type: TypeRemote})
	assert.Error(t, err)
	_, err = New(Config{Type: "forest"})
	assert.Error(t, err)
}

func TestRemote(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Risk-Signature")
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Features) != 4 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"score": req.Features[1]})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, "s3cret", time.Second)
	got, err := r.Score(context.Background(), []float64{0, 0.6, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.6, got)
	assert.Len(t, gotSig, 64)

	_, err = r.Score(context.Background(), []float64{1})
	assert.Error(t, err)
}

type slowScorer struct{ delay time.Duration }

func (s slowScorer) Name() string { return "slow" }
func (s slowScorer) Score(ctx context.Context, _ []float64) (float64, error) {
	select {
	case <-time.After(s.delay):
		return 0.5, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type badScorer struct{ score float64 }

func (b badScorer) Name() string { return "bad" }
func (b badScorer) Score(context.Context, []float64) (float64, error) { return b.score, nil }

func TestGuarded_TimeoutIsUnavailable(t *testing.T) {
	g := NewGuarded(slowScorer{delay: time.Second}, nil, 10*time.Millisecond)

	start := time.Now()
	_, err := g.Score(context.Background(), []float64{0})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGuarded_RejectsOutOfRange(t *testing.T) {
	g := NewGuarded(badScorer{score: 1.5}, nil, time.Second)
	_, err := g.Score(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuarded_BreakerOpens(t *testing.T) {
	now := time.Now()
	b := circuitbreaker.New(2, time.Minute).WithClock(func() time.Time { return now })
	g := NewGuarded(slowScorer{delay: time.Second}, b, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := g.Score(context.Background(), nil)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, b.State("slow"))

	start := time.Now()
	_, err := g.Score(context.Background(), nil)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "open circuit must not wait")
}

func TestGuarded_CallerCancelDoesNotTrip(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	g := NewGuarded(slowScorer{delay: time.Second}, b, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Score(ctx, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateClosed, b.State("slow"))
}

func TestGuarded_Passthrough(t *testing.T) {
	g := NewGuarded(DefaultLogistic(), circuitbreaker.New(1, time.Minute), time.Second)
	got, err := g.Score(context.Background(), []float64{0, 0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0474, got, 1e-4)
	assert.Equal(t, TypeLogistic, g.Name())
	assert.NoError(t, g.Ping(context.Background(), 4))
}
