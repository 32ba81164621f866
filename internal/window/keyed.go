package window

import "sync"

// KeyedRings manages one Ring per comparable key, created lazily on first
// use. Safe for concurrent use; each key's ring is still only ever touched
// under the shared mutex, favoring simplicity over per-key sharding since
// rate-limited rules are a small minority of the hot path.
type KeyedRings[K comparable] struct {
	mu         sync.Mutex
	windowNS   uint64
	numBuckets uint64
	rings      map[K]*Ring
}

// NewKeyedRings builds a keyed ring set where each ring counts within
// windowNS nanoseconds split into numBuckets buckets.
func NewKeyedRings[K comparable](windowNS, numBuckets uint64) *KeyedRings[K] {
	return &KeyedRings[K]{
		windowNS:   windowNS,
		numBuckets: numBuckets,
		rings:      make(map[K]*Ring),
	}
}

// Increment records one event for key at ts and returns the new sum.
func (k *KeyedRings[K]) Increment(key K, ts uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.rings[key]
	if !ok {
		r = NewRing(k.windowNS, k.numBuckets)
		k.rings[key] = r
	}
	return r.Increment(ts)
}

// Sum returns the idempotent rolling-window total for key at ts without
// recording an event. A key never seen returns 0.
func (k *KeyedRings[K]) Sum(key K, ts uint64) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.rings[key]
	if !ok {
		return 0
	}
	return r.Sum(ts)
}

// Each visits every key currently tracked with its rolling-window sum as of
// ts, used by Tick to re-evaluate every live subject.
func (k *KeyedRings[K]) Each(ts uint64, fn func(key K, sum uint64)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, r := range k.rings {
		fn(key, r.Sum(ts))
	}
}
