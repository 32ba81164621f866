package rules

import (
	"fmt"
	"sync"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/riskmodel"
	"riskguard/internal/window"
)

// RateLimitState is the rolling-window counter and exceeded-latch state a
// rate-limit rule accumulates into. It is engine-owned and keyed by rule
// id, not by rule instance: reconstructing a rule (e.g. to change its
// threshold via ReplaceRules) against the SAME RateLimitState preserves
// in-flight window counts, matching the engine's exclusive ownership of
// C3-C8 state. Reconfiguring the window width requires a fresh state
// (Reset), which discards counts per the rolling-window counter's
// documented contract.
type RateLimitState struct {
	mu      sync.Mutex
	rings   *window.KeyedRings[catalog.Key]
	exceeds map[catalog.Key]bool
}

// NewRateLimitState allocates rolling-window state for a window of windowNS
// nanoseconds split into numBuckets buckets.
func NewRateLimitState(windowNS, numBuckets uint64) *RateLimitState {
	if numBuckets == 0 {
		numBuckets = 64
	}
	return &RateLimitState{
		rings:   window.NewKeyedRings[catalog.Key](windowNS, numBuckets),
		exceeds: make(map[catalog.Key]bool),
	}
}

// RateLimitRule breaches when the rolling count of order submissions for a
// live key exceeds threshold within a sliding window, and automatically
// resumes once the window count falls back to or below threshold. Cancel
// and trade events are ignored entirely.
type RateLimitRule struct {
	ruleID         string
	threshold      int64
	live           catalog.LiveDims
	catalog        *catalog.Catalog
	suspendActions []action.Kind
	resumeActions  []action.Kind

	state *RateLimitState
}

// RateLimitConfig configures a RateLimitRule. State, if non-nil, is reused
// (see RateLimitState); otherwise a fresh one is allocated from WindowNS
// and NumBuckets.
type RateLimitConfig struct {
	RuleID         string
	Threshold      int64
	WindowNS       uint64
	NumBuckets     uint64
	Live           catalog.LiveDims
	SuspendActions []action.Kind
	ResumeActions  []action.Kind
	State          *RateLimitState
}

// NewRateLimitRule builds a rate-limit rule backed by the given catalog.
func NewRateLimitRule(cfg RateLimitConfig, cat *catalog.Catalog) *RateLimitRule {
	state := cfg.State
	if state == nil {
		state = NewRateLimitState(cfg.WindowNS, cfg.NumBuckets)
	}
	return &RateLimitRule{
		ruleID:         cfg.RuleID,
		threshold:      cfg.Threshold,
		live:           cfg.Live,
		catalog:        cat,
		suspendActions: append([]action.Kind(nil), cfg.SuspendActions...),
		resumeActions:  append([]action.Kind(nil), cfg.ResumeActions...),
		state:          state,
	}
}

// ID returns the rule's stable identifier.
func (r *RateLimitRule) ID() string { return r.ruleID }

// OnOrder increments the rolling window count for the order's live key and
// flips the exceeded latch on crossing, returning the suspend/resume
// action set only on the transition.
func (r *RateLimitRule) OnOrder(o riskmodel.Order) Result {
	key := r.catalog.Resolve(o.AccountID, o.ContractID, o.AccountGroupID).Collapse(r.live)
	count := r.state.rings.Increment(key, o.Timestamp)
	return r.transition(key, count)
}

// OnTrade is a no-op: this rule only tracks order submissions.
func (r *RateLimitRule) OnTrade(t riskmodel.Trade) Result { return Result{} }

// OnCancel is a no-op: this rule only tracks order submissions.
func (r *RateLimitRule) OnCancel(c riskmodel.Cancel) Result { return Result{} }

// Tick re-evaluates every live key's window sum as of now without
// recording a new event, surfacing any automatic resume that the passage
// of time alone produces.
func (r *RateLimitRule) Tick(now uint64) []Result {
	var results []Result
	r.state.rings.Each(now, func(key catalog.Key, sum uint64) {
		if res := r.transition(key, sum); !res.Empty() {
			results = append(results, res)
		}
	})
	return results
}

func (r *RateLimitRule) transition(key catalog.Key, count uint64) Result {
	r.state.mu.Lock()
	wasExceeded := r.state.exceeds[key]
	switch {
	case !wasExceeded && count > uint64(r.threshold):
		r.state.exceeds[key] = true
		r.state.mu.Unlock()
		return Result{
			Subject: key.String(),
			Actions: r.suspendActions,
			Reasons: []string{fmt.Sprintf("rate limit exceeded on dimensions %+v (count %d > threshold %d)", key, count, r.threshold)},
		}
	case wasExceeded && count <= uint64(r.threshold):
		r.state.exceeds[key] = false
		r.state.mu.Unlock()
		return Result{
			Subject: key.String(),
			Actions: r.resumeActions,
			Reasons: []string{fmt.Sprintf("rate limit recovered on dimensions %+v (count %d <= threshold %d)", key, count, r.threshold)},
		}
	default:
		r.state.mu.Unlock()
		return Result{}
	}
}
