// Package ingestadapter is an optional asynchronous front-end for the
// engine: a bounded queue plus a fixed worker pool that drains it into
// Engine.OnOrder/OnTrade/OnCancel. The engine's own synchronous API
// remains the primary interface; this adapter exists for callers that want
// to decouple a fast ingress path (a websocket reader, say) from rule
// evaluation without blocking on a slow sink.
package ingestadapter

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/errors"
	"riskguard/internal/riskmodel"
)

var (
	// ErrQueueFull is returned by PublishOrder/PublishTrade/PublishCancel
	// when the bounded queue has no
	// free slot. Callers decide whether to drop, retry, or apply backpressure
	// upstream — the adapter never blocks a publisher.
	ErrQueueFull = errors.New("ingestadapter: queue full")
	// ErrQueueClosed is returned by PublishOrder/PublishTrade/PublishCancel
	// once the adapter has been closed.
	ErrQueueClosed = errors.New("ingestadapter: queue closed")
)

// Sink is the subset of *engine.Engine this adapter drains into. Declared
// as an interface so tests can substitute a fake without importing engine.
type Sink interface {
	OnOrder(riskmodel.Order) error
	OnTrade(riskmodel.Trade) error
	OnCancel(riskmodel.Cancel) error
}

// event is the tagged union carried on the internal channel. Exactly one
// of Order/Trade/Cancel is set, selected by kind.
type event struct {
	kind   eventKind
	order  riskmodel.Order
	trade  riskmodel.Trade
	cancel riskmodel.Cancel
}

type eventKind uint8

const (
	kindOrder eventKind = iota
	kindTrade
	kindCancel
)

// Adapter is a bounded, non-blocking batch front-end: PublishOrder/
// PublishTrade/PublishCancel never block the caller, and a fixed pool of
// workers drains the queue into Sink concurrently.
type Adapter struct {
	sink    Sink
	ch      chan event
	closed  atomic.Bool
	workers int
}

// New allocates an adapter with the given queue capacity and worker count.
func New(sink Sink, capacity, workers int) *Adapter {
	if capacity <= 0 {
		capacity = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Adapter{sink: sink, ch: make(chan event, capacity), workers: workers}
}

// PublishOrder enqueues an order for asynchronous processing.
func (a *Adapter) PublishOrder(o riskmodel.Order) error {
	return a.publish(event{kind: kindOrder, order: o})
}

// PublishTrade enqueues a trade for asynchronous processing.
func (a *Adapter) PublishTrade(t riskmodel.Trade) error {
	return a.publish(event{kind: kindTrade, trade: t})
}

// PublishCancel enqueues a cancel for asynchronous processing.
func (a *Adapter) PublishCancel(c riskmodel.Cancel) error {
	return a.publish(event{kind: kindCancel, cancel: c})
}

// OnOrder, OnTrade and OnCancel alias the Publish* methods so an *Adapter
// itself satisfies the Sink interface expected by upstream feeds such as
// wsadapter.Client, letting a websocket reader enqueue onto the bounded
// queue instead of calling the engine inline.
func (a *Adapter) OnOrder(o riskmodel.Order) error   { return a.PublishOrder(o) }
func (a *Adapter) OnTrade(t riskmodel.Trade) error   { return a.PublishTrade(t) }
func (a *Adapter) OnCancel(c riskmodel.Cancel) error { return a.PublishCancel(c) }

func (a *Adapter) publish(e event) error {
	if a.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case a.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled or Close is
// called, at which point it drains any already-enqueued events before
// returning. A worker that encounters a Sink error logs it and continues —
// malformed events are the Sink's concern (it rejects and the engine's own
// diagnostics counters track rejections), not a reason to stop the pool.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.workers; i++ {
		g.Go(func() error {
			a.drain(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close stops the adapter from accepting new events. Already-running
// workers finish draining the channel's buffered contents before Run
// returns.
func (a *Adapter) Close() {
	if a.closed.CompareAndSwap(false, true) {
		close(a.ch)
	}
}

func (a *Adapter) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-a.ch:
					if !ok {
						return
					}
					a.dispatch(e)
				default:
					return
				}
			}
		case e, ok := <-a.ch:
			if !ok {
				return
			}
			a.dispatch(e)
		}
	}
}

func (a *Adapter) dispatch(e event) {
	var err error
	switch e.kind {
	case kindOrder:
		err = a.sink.OnOrder(e.order)
	case kindTrade:
		err = a.sink.OnTrade(e.trade)
	case kindCancel:
		err = a.sink.OnCancel(e.cancel)
	}
	if err != nil {
		logs.Errorf("ingestadapter: dispatch failed: %+v", err)
	}
}
