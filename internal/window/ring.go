// Package window implements a fixed-capacity ring-bucket counter for
// rolling-window rate limiting, translated from the ring-buffer design in
// the original risk engine's bucket counter.
package window

// Ring counts events in a rolling window of windowNS nanoseconds, divided
// into a fixed number of buckets. It is not safe for concurrent use; callers
// needing concurrency wrap it (see KeyedRings).
type Ring struct {
	windowNS   uint64
	bucketNS   uint64
	numBuckets uint64

	startIdx  uint64
	startTime uint64
	buckets   []uint64
}

// NewRing builds a ring counting events within windowNS nanoseconds, split
// into numBuckets buckets. windowNS must be a multiple of numBuckets for
// bucket boundaries to line up; the constructor does not enforce that, but
// it does refuse to produce a zero-width bucket: windowNS < numBuckets
// would otherwise divide to a bucketNS of 0 and panic on the first
// Increment/Sum. Callers are expected to reject that configuration before
// it reaches here (see config.validateRuleConfig); this clamp is a last
// line of defense, not the primary check.
func NewRing(windowNS uint64, numBuckets uint64) *Ring {
	if numBuckets == 0 {
		numBuckets = 1
	}
	bucketNS := windowNS / numBuckets
	if bucketNS == 0 {
		bucketNS = 1
	}
	return &Ring{
		windowNS:   windowNS,
		bucketNS:   bucketNS,
		numBuckets: numBuckets,
		buckets:    make([]uint64, numBuckets),
	}
}

// advance rotates the ring forward to the bucket containing ts, zeroing any
// buckets the rotation skips over. An out-of-order ts (behind startTime)
// is folded into the current window without rotating backward — the count
// is approximate for severely out-of-order arrival, which this engine
// accepts rather than drop the event.
func (r *Ring) advance(ts uint64) {
	bucketTime := ts - ts%r.bucketNS
	if r.buckets == nil {
		return
	}
	if r.startTime == 0 && r.allZero() {
		r.startIdx = (ts / r.bucketNS) % r.numBuckets
		r.startTime = bucketTime
		return
	}
	if bucketTime <= r.startTime {
		return
	}
	deltaBuckets := (bucketTime - r.startTime) / r.bucketNS
	if deltaBuckets >= r.numBuckets {
		for i := range r.buckets {
			r.buckets[i] = 0
		}
		r.startIdx = (ts / r.bucketNS) % r.numBuckets
		r.startTime = bucketTime
		return
	}
	for deltaBuckets > 0 {
		r.startIdx = (r.startIdx + 1) % r.numBuckets
		r.buckets[r.startIdx] = 0
		r.startTime += r.bucketNS
		deltaBuckets--
	}
}

func (r *Ring) allZero() bool {
	for _, v := range r.buckets {
		if v != 0 {
			return false
		}
	}
	return true
}

// Increment records one event at ts and returns the new rolling-window sum.
func (r *Ring) Increment(ts uint64) uint64 {
	r.advance(ts)
	idx := (ts / r.bucketNS) % r.numBuckets
	r.buckets[idx]++
	return r.Sum(ts)
}

// Sum is the idempotent rolling-window read: it advances the ring to ts
// (evicting stale buckets) without recording an event, then returns the
// total. Safe to call repeatedly with the same ts.
func (r *Ring) Sum(ts uint64) uint64 {
	r.advance(ts)
	var total uint64
	for _, v := range r.buckets {
		total += v
	}
	return total
}
