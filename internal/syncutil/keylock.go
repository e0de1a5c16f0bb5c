// Package syncutil provides per-key locking for entity state.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 256

// KeyLock serializes work per entity key using a fixed pool of
// channel-based mutexes. Lock acquisition honours context cancellation,
// so a caller waiting behind a slow writer gives up at its deadline.
// Distinct keys may share a shard; callers must never hold two keys at once.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards (DefaultShards if n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the lock for key. On success it returns the unlock func,
// which the caller must call exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.index(key)]

	// A cancelled caller never takes the lock, even a free one.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) index(key string) int {
	return int(shardHash(key) % uint32(len(k.shards)))
}

// StripedMutex is the blocking counterpart of KeyLock for short critical
// sections that never wait on I/O.
type StripedMutex struct {
	shards [DefaultShards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock func.
func (s *StripedMutex) Lock(key string) func() {
	mu := &s.shards[shardHash(key)%DefaultShards]
	mu.Lock()
	return mu.Unlock
}

func shardHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
