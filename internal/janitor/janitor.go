// Package janitor runs periodic garbage collection of expired state:
// velocity windows, applied-transaction markers and idempotency records.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper removes expired entries and reports how many it dropped.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(ctx context.Context) (int, error)

func (f SweepFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

// Timer sweeps every registered target on an interval.
type Timer struct {
	targets  map[string]Sweeper
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a janitor timer. Each sweep is bounded by timeout.
func New(interval, timeout time.Duration, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		targets:  make(map[string]Sweeper),
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Add registers a sweep target. Call before Start.
func (t *Timer) Add(name string, s Sweeper) {
	t.targets[name] = s
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.SweepOnce(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// SweepOnce runs every target once. A panicking target is logged and skipped.
func (t *Timer) SweepOnce(ctx context.Context) map[string]int {
	out := make(map[string]int, len(t.targets))
	for name, s := range t.targets {
		out[name] = t.safeSweep(ctx, name, s)
	}
	return out
}

func (t *Timer) safeSweep(ctx context.Context, name string, s Sweeper) (n int) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in janitor sweep", "target", name, "panic", fmt.Sprint(r))
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	n, err := s.Sweep(sctx)
	if err != nil {
		t.logger.Warn("janitor sweep failed", "target", name, "error", err)
		return n
	}
	if n > 0 {
		t.logger.Debug("janitor swept expired entries", "target", name, "count", n)
	}
	return n
}
