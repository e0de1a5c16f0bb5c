package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/riskengine/internal/circuitbreaker"
)

// Guarded bounds a scorer with a deadline and a circuit breaker. It never
// blocks longer than its timeout; every failure surfaces as ErrUnavailable.
type Guarded struct {
	inner   Scorer
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewGuarded wraps inner. A nil breaker disables circuit breaking.
func NewGuarded(inner Scorer, breaker *circuitbreaker.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) Name() string { return g.inner.Name() }

type scoreResult struct {
	score float64
	err   error
}

func (g *Guarded) Score(parent context.Context, x []float64) (float64, error) {
	key := g.inner.Name()
	if g.breaker != nil && !g.breaker.Allow(key) {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, circuitbreaker.ErrOpen)
	}

	ctx, cancel := context.WithTimeout(parent, g.timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		s, err := g.inner.Score(ctx, x)
		done <- scoreResult{score: s, err: err}
	}()

	var res scoreResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err == nil && (math.IsNaN(res.score) || res.score < 0 || res.score > 1) {
		res.err = fmt.Errorf("score %v outside [0, 1]", res.score)
	}

	if res.err != nil {
		// A caller that gave up says nothing about the scorer.
		if g.breaker != nil && parent.Err() == nil {
			g.breaker.RecordFailure(key)
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrUnavailable, key, res.err)
	}
	if g.breaker != nil {
		g.breaker.RecordSuccess(key)
	}
	return res.score, nil
}

// Ping checks that the scorer answers a neutral vector in time.
func (g *Guarded) Ping(ctx context.Context, dims int) error {
	_, err := g.Score(ctx, make([]float64, dims))
	return err
}
