package stats

import (
	"sync"

	"github.com/yanun0323/decimal"
)

// Keyer is implemented by composite keys routable into a ShardedMap.
// ShardHash is expected to be a cheap FNV-1a-style fold over the key's
// components — the hot path never reflects over a key's fields.
type Keyer interface {
	comparable
	ShardHash() uint32
}

// ShardedMap is a fixed array of N independently-locked partitions mapping a
// composite key to a mapping of metric->scalar. N must be a power of two so
// routing collapses to a mask instead of a modulo.
//
// Concurrent accumulates on keys routed to different shards never serialize
// against each other: each shard holds its own RWMutex, and a key routes to
// exactly one shard for its lifetime. Distinct keys that route to the same
// shard share its write lock. Concurrent accumulates on the same
// (key, metric) linearize through that shard's write lock.
type ShardedMap[K Keyer] struct {
	shards []shardBucket[K]
	mask   uint32
}

type shardBucket[K Keyer] struct {
	mu   sync.RWMutex
	data map[K]map[Metric]decimal.Decimal
}

// NewShardedMap allocates a sharded map with shardCount shards, rounded up
// to the next power of two (minimum 1).
func NewShardedMap[K Keyer](shardCount int) *ShardedMap[K] {
	n := nextPowerOfTwo(shardCount)
	m := &ShardedMap[K]{shards: make([]shardBucket[K], n), mask: uint32(n - 1)}
	for i := range m.shards {
		m.shards[i].data = make(map[K]map[Metric]decimal.Decimal)
	}
	return m
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (m *ShardedMap[K]) shardFor(key K) *shardBucket[K] {
	return &m.shards[key.ShardHash()&m.mask]
}

// Accumulate adds delta to the scalar at (key, metric), creating the key and
// the metric entry as needed, and returns the post-increment value.
func (m *ShardedMap[K]) Accumulate(key K, metric Metric, delta decimal.Decimal) decimal.Decimal {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	metrics, ok := shard.data[key]
	if !ok {
		metrics = make(map[Metric]decimal.Decimal, 1)
		shard.data[key] = metrics
	}
	next := metrics[metric].Add(delta)
	metrics[metric] = next
	return next
}

// Get returns the current scalar at (key, metric), or zero if absent.
func (m *ShardedMap[K]) Get(key K, metric Metric) decimal.Decimal {
	shard := m.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.data[key][metric]
}

// Entry is a single (key, metric, value) tuple, used by snapshot iteration.
type Entry[K Keyer] struct {
	Key    K
	Metric Metric
	Value  decimal.Decimal
}

// Each iterates every stored (key, metric, value) triple. Each shard is
// locked independently and briefly, so concurrent writers may interleave
// with the iteration; callers that need a frozen view should quiesce ingest
// first (the same requirement snapshot/restore already documents).
func (m *ShardedMap[K]) Each(fn func(Entry[K])) {
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.RLock()
		for key, metrics := range shard.data {
			for metric, value := range metrics {
				fn(Entry[K]{Key: key, Metric: metric, Value: value})
			}
		}
		shard.mu.RUnlock()
	}
}
