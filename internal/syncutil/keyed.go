// Package syncutil provides context-aware keyed locking.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 256

// KeyedMutex serialises work per key over a fixed pool of channel mutexes.
// Distinct keys may share a shard and then contend; identical keys always do.
// The zero value is not usable; call NewKeyedMutex.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key or gives up when ctx ends.
// On success the returned function must be called exactly once to release.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
