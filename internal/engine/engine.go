// Package engine orchestrates the event processing pipeline: enrichment,
// rule dispatch against the current rule-set snapshot, action
// deduplication, and emission to the action sink. The engine owns all
// mutable statistics and latch state; rules are pure functions of the
// context the engine provides.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/errors"
	"riskguard/internal/obs"
	"riskguard/internal/orderindex"
	"riskguard/internal/riskmodel"
	"riskguard/internal/rules"
	"riskguard/internal/snapshot"
	"riskguard/internal/stats"
)

// engineRuleID tags actions the engine itself emits (as opposed to a rule),
// e.g. the ALERT dispatched when a rule or the sink panics.
const engineRuleID = "__engine__"

// Config configures a new Engine.
type Config struct {
	Catalog        *catalog.Catalog
	ShardCount     int
	OrderIndexCap  int
	Sink           action.Sink
	InitialRuleSet []rules.Rule
}

// Engine is the synchronous, free-threaded core. Any number of goroutines
// may call OnOrder/OnTrade/OnCancel concurrently.
type Engine struct {
	catalog *catalog.Catalog
	orders  *orderindex.Index
	stats   *stats.DailyCounter

	ruleSet    atomic.Pointer[[]rules.Rule]
	dispatcher *action.Dispatcher
	metrics    *obs.Metrics

	rateLimitMu     sync.Mutex
	rateLimitStates map[string]*rules.RateLimitState
}

// New builds an Engine ready to accept events. The returned engine owns the
// daily counter that rule constructors (ThresholdLimitRule in particular)
// are built against — fetch it via Stats() before constructing rules and
// pass it into their config.
func New(cfg Config) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = func(action.Kind, string, string, string, any) {}
	}
	shardCount := cfg.ShardCount
	if shardCount == 0 {
		shardCount = 64
	}
	e := &Engine{
		catalog:         cfg.Catalog,
		orders:          orderindex.New(cfg.OrderIndexCap),
		stats:           stats.NewDailyCounter(shardCount),
		dispatcher:      action.NewDispatcher(action.NewDedupTable(), cfg.Sink),
		metrics:         obs.NewMetrics(),
		rateLimitStates: make(map[string]*rules.RateLimitState),
	}
	initial := append([]rules.Rule(nil), cfg.InitialRuleSet...)
	e.ruleSet.Store(&initial)
	return e
}

// Stats returns the engine-owned daily counter (C4) rules accumulate into.
func (e *Engine) Stats() *stats.DailyCounter { return e.stats }

// Catalog returns the engine-owned instrument catalog (C2) rules resolve
// dimension keys against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) snapshot() []rules.Rule {
	p := e.ruleSet.Load()
	if p == nil {
		return nil
	}
	return *p
}

// OnOrder validates and processes an incoming order, dispatching any
// resulting actions to the sink.
func (e *Engine) OnOrder(o riskmodel.Order) error {
	if err := o.Validate(); err != nil {
		e.metrics.IncEventsRejected()
		logs.Errorf("reject malformed order %d: %+v", o.OrderID, err)
		return errors.Wrap(err, "engine: reject order")
	}
	e.metrics.IncOrdersProcessed()
	e.orders.Put(o.OrderID, orderindex.Attribution{
		AccountID:      o.AccountID,
		ContractID:     o.ContractID,
		AccountGroupID: o.AccountGroupID,
	})
	for _, rule := range e.snapshot() {
		e.runRule(rule, o, func() rules.Result { return rule.OnOrder(o) })
	}
	return nil
}

// OnTrade enriches (if needed) and processes an incoming trade.
func (e *Engine) OnTrade(t riskmodel.Trade) error {
	if t.AccountID == catalog.Absent || t.ContractID == catalog.Absent {
		if attr, ok := e.orders.Get(t.OrderID); ok {
			if t.AccountID == catalog.Absent {
				t.AccountID = attr.AccountID
			}
			if t.ContractID == catalog.Absent {
				t.ContractID = attr.ContractID
			}
			if t.AccountGroupID == catalog.Absent {
				t.AccountGroupID = attr.AccountGroupID
			}
		}
	}
	if err := t.Validate(); err != nil {
		e.metrics.IncEventsRejected()
		logs.Errorf("reject malformed trade %d: %+v", t.TradeID, err)
		return errors.Wrap(err, "engine: reject trade")
	}
	e.metrics.IncTradesProcessed()
	for _, rule := range e.snapshot() {
		e.runRule(rule, t, func() rules.Result { return rule.OnTrade(t) })
	}
	return nil
}

// OnCancel enriches (if needed) and processes an incoming cancel.
func (e *Engine) OnCancel(c riskmodel.Cancel) error {
	if c.AccountID == catalog.Absent || c.ContractID == catalog.Absent {
		if attr, ok := e.orders.Get(c.OrderID); ok {
			if c.AccountID == catalog.Absent {
				c.AccountID = attr.AccountID
			}
			if c.ContractID == catalog.Absent {
				c.ContractID = attr.ContractID
			}
			if c.AccountGroupID == catalog.Absent {
				c.AccountGroupID = attr.AccountGroupID
			}
		}
	}
	if err := c.Validate(); err != nil {
		e.metrics.IncEventsRejected()
		logs.Errorf("reject malformed cancel %d: %+v", c.CancelID, err)
		return errors.Wrap(err, "engine: reject cancel")
	}
	e.metrics.IncCancelsProcessed()
	for _, rule := range e.snapshot() {
		e.runRule(rule, c, func() rules.Result { return rule.OnCancel(c) })
	}
	return nil
}

// Tick lets rate-limit (and any other Ticker) rules re-evaluate latched
// state in the absence of new events.
func (e *Engine) Tick(now uint64) {
	for _, rule := range e.snapshot() {
		ticker, ok := rule.(rules.Ticker)
		if !ok {
			continue
		}
		e.runTick(rule, ticker, now)
	}
}

// runRule invokes fn (a rule's OnOrder/OnTrade/OnCancel) and, if it
// completes normally, dispatches its result. A panicking rule is a fatal
// invariant violation for that one operation only (spec §4.8(b)): it is
// recovered here, logged, surfaced as an ALERT action tagged rule-id
// "__engine__", and counted via IncSinkFailure — it never crashes the
// engine or the remaining rules in the snapshot.
func (e *Engine) runRule(rule rules.Rule, event any, fn func() rules.Result) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("engine: rule %s panicked: %v", rule.ID(), r)
			e.metrics.IncSinkFailure()
			e.emitEngineAlert(rule.ID(), fmt.Sprintf("rule panicked: %v", r))
		}
	}()
	res := fn()
	if res.Empty() {
		return
	}
	e.dispatchResult(rule.ID(), res, event)
}

func (e *Engine) runTick(rule rules.Rule, ticker rules.Ticker, now uint64) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("engine: rule %s panicked on tick: %v", rule.ID(), r)
			e.metrics.IncSinkFailure()
			e.emitEngineAlert(rule.ID(), fmt.Sprintf("rule panicked on tick: %v", r))
		}
	}()
	for _, res := range ticker.Tick(now) {
		e.dispatchResult(rule.ID(), res, nil)
	}
}

func (e *Engine) dispatchResult(ruleID string, res rules.Result, event any) {
	reason := ""
	if len(res.Reasons) > 0 {
		reason = res.Reasons[0]
	}
	for _, kind := range res.Actions {
		e.dispatchOne(ruleID, kind, res.Subject, reason, event)
	}
}

// dispatchOne dispatches a single action through the dedup latch and sink,
// timing the call and recovering from a panicking sink (spec §7: a sink
// failure is recorded and surfaced through an engine-level diagnostic
// counter, never propagated back into the caller of OnOrder/OnTrade/
// OnCancel).
func (e *Engine) dispatchOne(ruleID string, kind action.Kind, subject, reason string, event any) {
	start := time.Now()
	dispatched := false
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				logs.Errorf("engine: sink panicked dispatching rule=%s action=%s: %v", ruleID, kind, r)
				e.metrics.IncSinkFailure()
				e.emitEngineAlert(ruleID, fmt.Sprintf("sink panicked on action %s: %v", kind, r))
			}
		}()
		dispatched = e.dispatcher.Dispatch(kind, ruleID, subject, reason, event)
	}()
	e.metrics.ObserveDispatchLatency(time.Since(start))
	if panicked {
		return
	}
	if !dispatched {
		e.metrics.IncActionDeduped(kind)
		return
	}
	e.metrics.IncActionDispatched(kind)
	logs.Infof("action dispatched: rule=%s action=%s subject=%s reason=%q", ruleID, kind, subject, reason)
}

// emitEngineAlert reports a rule or sink panic as an ALERT action tagged
// rule-id "__engine__" (spec §7). The alert goes straight to the dispatcher
// rather than through dispatchOne to avoid recursing back into panic
// handling; a sink
// that panics while reporting a prior panic is swallowed and counted, not
// retried.
func (e *Engine) emitEngineAlert(failedRuleID, reason string) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("engine: sink panicked while reporting a panic in rule=%s: %v", failedRuleID, r)
			e.metrics.IncSinkFailure()
		}
	}()
	if e.dispatcher.Dispatch(action.Alert, engineRuleID, failedRuleID, reason, nil) {
		e.metrics.IncActionDispatched(action.Alert)
	}
}

// Metrics returns the engine's read-only diagnostic counters.
func (e *Engine) Metrics() *obs.Metrics { return e.metrics }

// AddRule appends rule to the rule set via copy-on-write and atomically
// swaps the handle. In-flight events complete against whichever snapshot
// they already read.
func (e *Engine) AddRule(rule rules.Rule) {
	current := e.snapshot()
	next := make([]rules.Rule, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, rule)
	e.ruleSet.Store(&next)
}

// RemoveRule removes the rule with the given id, if present.
func (e *Engine) RemoveRule(ruleID string) {
	current := e.snapshot()
	next := make([]rules.Rule, 0, len(current))
	for _, r := range current {
		if r.ID() != ruleID {
			next = append(next, r)
		}
	}
	e.ruleSet.Store(&next)
}

// ReplaceRules atomically swaps in an entirely new rule set.
func (e *Engine) ReplaceRules(newRuleSet []rules.Rule) {
	next := append([]rules.Rule(nil), newRuleSet...)
	e.ruleSet.Store(&next)
}

// RateLimitState returns the engine-owned rolling-window state for ruleID,
// allocating it on first use. Rebuilding a RateLimitRule with the same
// ruleID against this same state (e.g. via UpdateRateLimit) preserves its
// in-flight window counts; only ResetRateLimitState discards them.
func (e *Engine) RateLimitState(ruleID string, windowNS, numBuckets uint64) *rules.RateLimitState {
	e.rateLimitMu.Lock()
	defer e.rateLimitMu.Unlock()
	s, ok := e.rateLimitStates[ruleID]
	if !ok {
		s = rules.NewRateLimitState(windowNS, numBuckets)
		e.rateLimitStates[ruleID] = s
	}
	return s
}

// ResetRateLimitState discards ruleID's rolling-window state, used when a
// rule's window width (not just its threshold) is reconfigured.
func (e *Engine) ResetRateLimitState(ruleID string, windowNS, numBuckets uint64) *rules.RateLimitState {
	e.rateLimitMu.Lock()
	defer e.rateLimitMu.Unlock()
	s := rules.NewRateLimitState(windowNS, numBuckets)
	e.rateLimitStates[ruleID] = s
	return s
}

// UpdateRateLimit constructs a new RateLimitRule for ruleID with an updated
// threshold and/or window, and swaps it into the rule set in place of any
// existing rule with the same id. A nil window keeps the existing
// rolling-window state (and therefore its in-flight counts); a non-nil
// window resets it per the rolling-window counter's documented contract.
func (e *Engine) UpdateRateLimit(ruleID string, threshold int64, live catalog.LiveDims, suspend, resume []action.Kind, windowNS, numBuckets *uint64) {
	var state *rules.RateLimitState
	if windowNS != nil {
		buckets := uint64(64)
		if numBuckets != nil {
			buckets = *numBuckets
		}
		state = e.ResetRateLimitState(ruleID, *windowNS, buckets)
	} else {
		state = e.RateLimitState(ruleID, 0, 0)
	}
	rule := rules.NewRateLimitRule(rules.RateLimitConfig{
		RuleID:         ruleID,
		Threshold:      threshold,
		Live:           live,
		SuspendActions: suspend,
		ResumeActions:  resume,
		State:          state,
	}, e.catalog)
	e.replaceByID(ruleID, rule)
}

// UpdateVolumeLimit constructs a new ThresholdLimitRule for ruleID with an
// updated threshold and/or live dimensions, sharing the engine's daily
// counter, and swaps it into the rule set in place of any existing rule
// with the same id.
func (e *Engine) UpdateVolumeLimit(ruleID string, metric stats.Metric, threshold float64, actions []action.Kind, live catalog.LiveDims, applyOrder, applyTrade, applyCancel bool) {
	rule := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:      ruleID,
		Metric:      metric,
		Threshold:   threshold,
		Actions:     actions,
		Live:        live,
		ApplyOrder:  applyOrder,
		ApplyTrade:  applyTrade,
		ApplyCancel: applyCancel,
	}, e.catalog, e.stats)
	e.replaceByID(ruleID, rule)
}

func (e *Engine) replaceByID(ruleID string, rule rules.Rule) {
	current := e.snapshot()
	next := make([]rules.Rule, 0, len(current)+1)
	found := false
	for _, r := range current {
		if r.ID() == ruleID {
			next = append(next, rule)
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		next = append(next, rule)
	}
	e.ruleSet.Store(&next)
}

// OrderIndexLen reports the number of attributions currently held by the
// order index; exposed for diagnostics.
func (e *Engine) OrderIndexLen() int { return e.orders.Len() }

// Dedup exposes the action dedup table for snapshot serialization.
func (e *Engine) Dedup() *action.DedupTable { return e.dispatcher.DedupTable() }

// Snapshot serializes the engine's daily counter and dedup latch state into
// a single versioned, checksummed blob. Rolling-window counters and the
// rule set itself are not included — rule configuration is construction-time
// input, and windows re-warm naturally from live traffic.
func (e *Engine) Snapshot() []byte {
	return snapshot.Encode(e.stats, e.dispatcher.DedupTable())
}

// Restore loads a blob produced by Snapshot into this engine's daily
// counter and dedup table. It must be called before any event has reached
// the engine, since restoring into already-accumulated state double-counts.
func (e *Engine) Restore(blob []byte) error {
	if err := snapshot.Restore(blob, e.stats, e.dispatcher.DedupTable()); err != nil {
		return errors.Wrap(err, "engine: restore snapshot")
	}
	return nil
}
