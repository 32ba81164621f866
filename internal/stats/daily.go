package stats

import (
	"hash/fnv"

	"github.com/yanun0323/decimal"

	"riskguard/internal/catalog"
	"riskguard/internal/riskmodel"
)

// DailyKey composes a dimension key with a day identifier. Two events on
// different days never collide even if their dimension key is identical —
// daily reset is implicit, there is no explicit clear step.
type DailyKey struct {
	catalog.Key
	Day int32
}

// ShardHash folds every component of the key into a single FNV-1a digest.
// Computed once per Accumulate/Get call, not cached — the hot path never
// allocates for this.
func (k DailyKey) ShardHash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Account))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Contract))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Product))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Exchange))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.AccountGroup))
	_, _ = h.Write([]byte{0, byte(k.Day), byte(k.Day >> 8), byte(k.Day >> 16), byte(k.Day >> 24)})
	return h.Sum32()
}

// DailyCounter is the daily multi-dimensional counter (C4), built directly
// on ShardedMap (C3) with a composite (dimension-key, day-id) key.
type DailyCounter struct {
	shards *ShardedMap[DailyKey]
}

// NewDailyCounter allocates a daily counter with shardCount shards.
func NewDailyCounter(shardCount int) *DailyCounter {
	return &DailyCounter{shards: NewShardedMap[DailyKey](shardCount)}
}

// Add accumulates delta into (key, metric) for the day derived from ts and
// returns the new aggregate value.
func (d *DailyCounter) Add(key catalog.Key, metric Metric, delta decimal.Decimal, ts uint64) decimal.Decimal {
	dk := DailyKey{Key: key, Day: riskmodel.DayID(ts)}
	return d.shards.Accumulate(dk, metric, delta)
}

// Get returns the current aggregate for (key, metric, day), or zero.
func (d *DailyCounter) Get(key catalog.Key, metric Metric, day int32) decimal.Decimal {
	return d.shards.Get(DailyKey{Key: key, Day: day}, metric)
}

// Each iterates every stored (day-key, metric, value) triple, used by the
// snapshot codec.
func (d *DailyCounter) Each(fn func(Entry[DailyKey])) {
	d.shards.Each(fn)
}
