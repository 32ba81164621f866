// Package obs is the engine's read-only diagnostic surface: processed and
// rejected event counts, action dispatch and dedup-suppression counts, and
// sink-failure tracking. Spec-wise this is not the engine itself — it is
// wired in alongside it, so that errors the engine deliberately does not
// escalate as Go errors (a rejected malformed event, a sink that panicked
// or errored) are still visible somewhere out-of-band.
package obs

import (
	"sync/atomic"
	"time"

	"riskguard/internal/action"
)

const maxActionKind = int(action.IncreaseMargin)

// Metrics collects lightweight atomic counters and latency stats for one
// engine instance. The zero value is ready to use; NewMetrics returns a
// pointer to one.
type Metrics struct {
	ordersProcessed  uint64
	tradesProcessed  uint64
	cancelsProcessed uint64
	eventsRejected   uint64

	actionsDispatched [maxActionKind + 1]uint64
	actionsDeduped    [maxActionKind + 1]uint64
	sinkFailures      uint64

	dispatchLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds, lock-free.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	OrdersProcessed   uint64
	TradesProcessed   uint64
	CancelsProcessed  uint64
	EventsRejected    uint64
	ActionsDispatched map[action.Kind]uint64
	ActionsDeduped    map[action.Kind]uint64
	SinkFailures      uint64
	DispatchLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncOrdersProcessed records one accepted order.
func (m *Metrics) IncOrdersProcessed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersProcessed, 1)
}

// IncTradesProcessed records one accepted trade.
func (m *Metrics) IncTradesProcessed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradesProcessed, 1)
}

// IncCancelsProcessed records one accepted cancel.
func (m *Metrics) IncCancelsProcessed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cancelsProcessed, 1)
}

// IncEventsRejected records one event that failed Validate before reaching
// any rule.
func (m *Metrics) IncEventsRejected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.eventsRejected, 1)
}

// IncActionDispatched records one action that passed the dedup latch and
// reached the sink.
func (m *Metrics) IncActionDispatched(kind action.Kind) {
	if m == nil {
		return
	}
	idx := int(kind)
	if idx >= 0 && idx < len(m.actionsDispatched) {
		atomic.AddUint64(&m.actionsDispatched[idx], 1)
	}
}

// IncActionDeduped records one action a rule requested that the dedup
// latch suppressed (already in the target state).
func (m *Metrics) IncActionDeduped(kind action.Kind) {
	if m == nil {
		return
	}
	idx := int(kind)
	if idx >= 0 && idx < len(m.actionsDeduped) {
		atomic.AddUint64(&m.actionsDeduped[idx], 1)
	}
}

// IncSinkFailure records one action.Sink invocation, or one rule
// evaluation, that panicked.
func (m *Metrics) IncSinkFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sinkFailures, 1)
}

// ObserveDispatchLatency records how long one dispatch call (dedup latch
// check plus sink) took. It is observed for every action a rule proposed,
// whether forwarded or deduped.
func (m *Metrics) ObserveDispatchLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	dispatched := make(map[action.Kind]uint64)
	deduped := make(map[action.Kind]uint64)
	for i := range m.actionsDispatched {
		if v := atomic.LoadUint64(&m.actionsDispatched[i]); v > 0 {
			dispatched[action.Kind(i)] = v
		}
	}
	for i := range m.actionsDeduped {
		if v := atomic.LoadUint64(&m.actionsDeduped[i]); v > 0 {
			deduped[action.Kind(i)] = v
		}
	}
	return Snapshot{
		OrdersProcessed:   atomic.LoadUint64(&m.ordersProcessed),
		TradesProcessed:   atomic.LoadUint64(&m.tradesProcessed),
		CancelsProcessed:  atomic.LoadUint64(&m.cancelsProcessed),
		EventsRejected:    atomic.LoadUint64(&m.eventsRejected),
		ActionsDispatched: dispatched,
		ActionsDeduped:    deduped,
		SinkFailures:      atomic.LoadUint64(&m.sinkFailures),
		DispatchLatency:   m.dispatchLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
