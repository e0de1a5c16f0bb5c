package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/syncutil"
)

type memoryEntry struct {
	completed bool
	result    *fraud.ScoreResult
	expires   time.Time
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	locks     syncutil.StripedMutex
	entries   sync.Map // txID -> memoryEntry
	lease     time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewMemoryLedger creates a MemoryLedger. Non-positive durations use the
// defaults.
func NewMemoryLedger(lease, retention time.Duration) *MemoryLedger {
	if lease <= 0 {
		lease = DefaultLease
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryLedger{lease: lease, retention: retention, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) Claim(ctx context.Context, txID string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, unavailable("claim", err)
	}
	unlock := l.locks.Lock(txID)
	defer unlock()

	now := l.now()
	if v, ok := l.entries.Load(txID); ok {
		e := v.(memoryEntry)
		if e.expires.After(now) {
			if e.completed {
				return Claim{State: Completed, Result: e.result.Clone()}, nil
			}
			return Claim{State: InFlight}, nil
		}
	}
	l.entries.Store(txID, memoryEntry{expires: now.Add(l.lease)})
	return Claim{State: Claimed}, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, txID string, result *fraud.ScoreResult) error {
	if err := ctx.Err(); err != nil {
		return unavailable("complete", err)
	}
	unlock := l.locks.Lock(txID)
	defer unlock()

	l.entries.Store(txID, memoryEntry{completed: true, result: result.Clone(), expires: l.now().Add(l.retention)})
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, txID string) error {
	unlock := l.locks.Lock(txID)
	defer unlock()

	if v, ok := l.entries.Load(txID); ok && !v.(memoryEntry).completed {
		l.entries.Delete(txID)
	}
	return nil
}

func (l *MemoryLedger) Lookup(_ context.Context, txID string) (*fraud.ScoreResult, bool, error) {
	v, ok := l.entries.Load(txID)
	if !ok {
		return nil, false, nil
	}
	e := v.(memoryEntry)
	if !e.completed || !e.expires.After(l.now()) {
		return nil, false, nil
	}
	return e.result.Clone(), true, nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error { return ctx.Err() }

// Sweep forgets expired claims and results.
func (l *MemoryLedger) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	removed := 0
	l.entries.Range(func(k, _ any) bool {
		if ctx.Err() != nil {
			return false
		}
		key := k.(string)
		unlock := l.locks.Lock(key)
		if v, ok := l.entries.Load(key); ok && !v.(memoryEntry).expires.After(now) {
			l.entries.Delete(key)
			removed++
		}
		unlock()
		return true
	})
	return removed, ctx.Err()
}
