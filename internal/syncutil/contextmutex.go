// Package syncutil provides keyed locks that give up when the caller's
// context ends.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when shards <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key (a pairing ID, a user ID) across a
// fixed pool of channel-based mutexes. Two keys may share a shard, so a
// holder must never try to lock a second key while holding the first.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with the given number of shards.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the mutex for key. On success it returns the unlock
// function, which the caller must call exactly once. If ctx ends first it
// returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
