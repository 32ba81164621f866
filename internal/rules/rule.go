// Package rules implements the Rule interface and the built-in
// threshold-limit and rate-limit rules over the statistics substrate.
package rules

import (
	"riskguard/internal/action"
	"riskguard/internal/riskmodel"
)

// Result is what a rule returns after observing an event: zero or more
// actions to emit and the human-readable reason the engine forwards to the
// sink (spec §4.5.1's "reason of the form ..." text) alongside them.
type Result struct {
	Subject string
	Actions []action.Kind
	Reasons []string
}

// Empty reports whether the result carries nothing to emit.
func (r Result) Empty() bool {
	return len(r.Actions) == 0
}

// Rule is a pure function of (context the engine provides, event) to a
// Result. Rules hold no state outside what the engine's statistics
// substrate provides them.
type Rule interface {
	ID() string
	OnOrder(o riskmodel.Order) Result
	OnTrade(t riskmodel.Trade) Result
	OnCancel(c riskmodel.Cancel) Result
}

// Ticker is implemented by rules that need to re-evaluate latched state in
// the absence of new events (e.g. rate-limit automatic resume). The engine
// type-asserts a Rule against Ticker when Tick is called.
type Ticker interface {
	Tick(now uint64) []Result
}
