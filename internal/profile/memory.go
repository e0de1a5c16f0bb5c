package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/syncutil"
)

// MemoryStore keeps profiles and windows in process. Each entity key is
// guarded by a context-aware striped lock so a caller's deadline bounds
// the wait behind another writer of the same entity.
type MemoryStore struct {
	locks     *syncutil.KeyLock
	entities  sync.Map // key -> *entityState
	limits    Limits
	retention time.Duration
	now       func() time.Time
}

type entityState struct {
	user     *UserProfile
	merchant *MerchantProfile
	windows  map[string]Window
	applied  map[string]time.Time // marker -> expiry (wall clock)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLimits sets ring and set bounds.
func WithLimits(l Limits) MemoryOption {
	return func(s *MemoryStore) { s.limits = l }
}

// WithClock replaces the wall clock used for marker retention.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-process store. Applied-transaction markers
// are kept for retention, which must cover the largest velocity window.
func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		locks:     syncutil.NewKeyLock(syncutil.DefaultShards),
		limits:    DefaultLimits(),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withEntity runs fn holding the lock of key. The state is looked up after
// the lock is taken so a concurrent sweep can never orphan it.
func (s *MemoryStore) withEntity(ctx context.Context, key string, fn func(e *entityState)) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w: %w", key, ErrUnavailable, err)
	}
	defer unlock()

	v, _ := s.entities.LoadOrStore(key, &entityState{})
	fn(v.(*entityState))
	return nil
}

func (s *MemoryStore) User(ctx context.Context, userID string) (*UserProfile, error) {
	var out *UserProfile
	err := s.withEntity(ctx, UserKey(userID), func(e *entityState) {
		if e.user == nil {
			out = NewUserProfile(userID)
			return
		}
		out = e.user.Clone()
	})
	return out, err
}

func (s *MemoryStore) Merchant(ctx context.Context, merchantID string) (*MerchantProfile, error) {
	var out *MerchantProfile
	err := s.withEntity(ctx, MerchantKey(merchantID), func(e *entityState) {
		if e.merchant == nil {
			out = NewMerchantProfile(merchantID)
			return
		}
		out = e.merchant.Clone()
	})
	return out, err
}

func (s *MemoryStore) ApplyUser(ctx context.Context, userID string, o Outcome) (*UserProfile, error) {
	var out *UserProfile
	err := s.withEntity(ctx, UserKey(userID), func(e *entityState) {
		if e.user == nil {
			e.user = NewUserProfile(userID)
		}
		if s.markApplied(e, "profile:"+o.TxID) {
			e.user.Apply(o, s.limits)
		}
		out = e.user.Clone()
	})
	return out, err
}

func (s *MemoryStore) ApplyMerchant(ctx context.Context, merchantID string, o Outcome) (*MerchantProfile, error) {
	var out *MerchantProfile
	err := s.withEntity(ctx, MerchantKey(merchantID), func(e *entityState) {
		if e.merchant == nil {
			e.merchant = NewMerchantProfile(merchantID)
		}
		if s.markApplied(e, "profile:"+o.TxID) {
			e.merchant.Apply(o, s.limits)
		}
		out = e.merchant.Clone()
	})
	return out, err
}

func (s *MemoryStore) IncrementWindows(ctx context.Context, entity, txID string, specs []WindowSpec, amount decimal.Decimal, now time.Time) ([]Window, error) {
	out := make([]Window, len(specs))
	err := s.withEntity(ctx, entity, func(e *entityState) {
		if e.windows == nil {
			e.windows = make(map[string]Window, len(specs))
		}
		fresh := s.markApplied(e, "velocity:"+txID)
		for i, spec := range specs {
			w, ok := e.windows[spec.Label]
			if ok && w.StartsAfter(now, spec.Size) {
				out[i] = eventOnly(spec, amount, now)
				continue
			}
			if fresh {
				if !ok || !w.Live(now) {
					w = Window{Label: spec.Label, Size: spec.Size, Sum: decimal.Zero, ExpiresAt: now.Add(spec.Size)}
				}
				w.Count++
				w.Sum = w.Sum.Add(amount)
				e.windows[spec.Label] = w
			}
			out[i] = liveOrZero(w, spec, now)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) Windows(ctx context.Context, entity string, specs []WindowSpec, now time.Time) ([]Window, error) {
	out := make([]Window, len(specs))
	err := s.withEntity(ctx, entity, func(e *entityState) {
		for i, spec := range specs {
			out[i] = liveOrZero(e.windows[spec.Label], spec, now)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Sweep drops expired windows and applied markers and forgets entities
// that hold nothing else. It returns the number of entries removed.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	wall := s.now()
	removed := 0
	var err error
	s.entities.Range(func(k, _ any) bool {
		key := k.(string)
		unlock, lerr := s.locks.Lock(ctx, key)
		if lerr != nil {
			err = lerr
			return false
		}
		defer unlock()

		v, ok := s.entities.Load(key)
		if !ok {
			return true
		}
		e := v.(*entityState)
		for label, w := range e.windows {
			if !w.ExpiresAt.After(wall) {
				delete(e.windows, label)
				removed++
			}
		}
		for m, exp := range e.applied {
			if !exp.After(wall) {
				delete(e.applied, m)
				removed++
			}
		}
		if e.user == nil && e.merchant == nil && len(e.windows) == 0 && len(e.applied) == 0 {
			s.entities.Delete(key)
		}
		return true
	})
	return removed, err
}

// markApplied records marker and reports whether it was new.
func (s *MemoryStore) markApplied(e *entityState, marker string) bool {
	wall := s.now()
	if e.applied == nil {
		e.applied = make(map[string]time.Time)
	}
	if exp, ok := e.applied[marker]; ok && exp.After(wall) {
		return false
	}
	e.applied[marker] = wall.Add(s.retention)
	return true
}

func liveOrZero(w Window, spec WindowSpec, now time.Time) Window {
	if !w.Live(now) {
		return Window{Label: spec.Label, Size: spec.Size, Sum: decimal.Zero}
	}
	w.Size = spec.Size
	return w
}
