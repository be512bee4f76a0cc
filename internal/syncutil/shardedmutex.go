// Package syncutil provides keyed mutexes with bounded memory.
//
// Deal state transitions are serialized per deal ID. A sync.Map of mutexes
// grows forever under churn; a fixed shard pool stays bounded, at the cost
// of occasional false sharing between IDs that hash to the same shard.
package syncutil

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed-size pool of mutexes keyed by int64.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Shard returns the mutex covering the given key.
func (s *ShardedMutex) Shard(key int64) *sync.Mutex {
	return &s.shards[shardIdx(key)]
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key int64) func() {
	mu := s.Shard(key)
	mu.Lock()
	return mu.Unlock
}

func shardIdx(key int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return h.Sum32() % shardCount
}
