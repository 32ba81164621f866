package rules

import (
	"fmt"

	"github.com/yanun0323/decimal"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/riskmodel"
	"riskguard/internal/stats"
)

// ThresholdLimitRule breaches when a tracked metric's daily aggregate
// strictly exceeds a configured threshold. Equality is not a breach.
type ThresholdLimitRule struct {
	ruleID    string
	metric    stats.Metric
	threshold decimal.Decimal
	actions   []action.Kind
	live      catalog.LiveDims
	catalog   *catalog.Catalog
	counter   *stats.DailyCounter

	applyOrder  bool
	applyTrade  bool
	applyCancel bool
}

// ThresholdLimitConfig configures a ThresholdLimitRule.
type ThresholdLimitConfig struct {
	RuleID      string
	Metric      stats.Metric
	Threshold   float64
	Actions     []action.Kind
	Live        catalog.LiveDims
	ApplyOrder  bool
	ApplyTrade  bool
	ApplyCancel bool
}

// NewThresholdLimitRule builds a threshold-limit rule backed by the given
// catalog (for dimension resolution) and daily counter (for accumulation).
func NewThresholdLimitRule(cfg ThresholdLimitConfig, cat *catalog.Catalog, counter *stats.DailyCounter) *ThresholdLimitRule {
	return &ThresholdLimitRule{
		ruleID:      cfg.RuleID,
		metric:      cfg.Metric,
		threshold:   decimal.NewFromFloat(cfg.Threshold),
		actions:     append([]action.Kind(nil), cfg.Actions...),
		live:        cfg.Live,
		catalog:     cat,
		counter:     counter,
		applyOrder:  cfg.ApplyOrder,
		applyTrade:  cfg.ApplyTrade,
		applyCancel: cfg.ApplyCancel,
	}
}

// ID returns the rule's stable identifier.
func (r *ThresholdLimitRule) ID() string { return r.ruleID }

// OnOrder accumulates order-count contributions and checks the threshold.
func (r *ThresholdLimitRule) OnOrder(o riskmodel.Order) Result {
	if !r.applyOrder || r.metric != stats.MetricOrderCount {
		return Result{}
	}
	key := r.catalog.Resolve(o.AccountID, o.ContractID, o.AccountGroupID).Collapse(r.live)
	return r.evaluate(key, decimal.NewFromInt(1), o.Timestamp)
}

// OnTrade accumulates trade-volume, trade-notional, or trade-count
// contributions and checks the threshold.
func (r *ThresholdLimitRule) OnTrade(t riskmodel.Trade) Result {
	if !r.applyTrade {
		return Result{}
	}
	var delta decimal.Decimal
	switch r.metric {
	case stats.MetricTradeVolume:
		delta = decimal.NewFromInt(int64(t.Volume))
	case stats.MetricTradeNotional:
		delta = decimal.NewFromFloat(t.Price).Mul(decimal.NewFromInt(int64(t.Volume)))
	case stats.MetricTradeCount:
		delta = decimal.NewFromInt(1)
	default:
		return Result{}
	}
	key := r.catalog.Resolve(t.AccountID, t.ContractID, t.AccountGroupID).Collapse(r.live)
	return r.evaluate(key, delta, t.Timestamp)
}

// OnCancel accumulates cancel-count contributions and checks the threshold.
func (r *ThresholdLimitRule) OnCancel(c riskmodel.Cancel) Result {
	if !r.applyCancel || r.metric != stats.MetricCancelCount {
		return Result{}
	}
	key := r.catalog.Resolve(c.AccountID, c.ContractID, c.AccountGroupID).Collapse(r.live)
	return r.evaluate(key, decimal.NewFromInt(1), c.Timestamp)
}

func (r *ThresholdLimitRule) evaluate(key catalog.Key, delta decimal.Decimal, ts uint64) Result {
	value := r.counter.Add(key, r.metric, delta, ts)
	if !value.GreaterThan(r.threshold) {
		return Result{}
	}
	reason := fmt.Sprintf("metric %s exceeded threshold %s on dimensions %+v (value %s)",
		r.metric, r.threshold.String(), key, value.String())
	return Result{
		Subject: key.String(),
		Actions: r.actions,
		Reasons: []string{reason},
	}
}
