package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/riskengine/internal/metrics"
)

// Pool bounds concurrent scoring across the request and stream paths.
type Pool struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewPool creates a pool with size slots (at least one).
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	metrics.PoolCapacity.Set(float64(size))
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Acquire waits for a free slot or ctx to end.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inUse.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Free returns the number of slots not currently held.
func (p *Pool) Free() int { return int(p.size - p.inUse.Load()) }
