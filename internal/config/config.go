// Package config loads construction-time engine configuration from JSON:
// the instrument catalog, sharding/capacity knobs, and rule definitions.
// Loading happens in two stages, mirroring a file-config-to-resolved-config
// split: Load parses and validates into a Loaded value (catalog built, rule
// definitions validated; shard count and order-index capacity are passed
// through as read, zero when omitted); BuildRules then resolves each rule
// definition against an already-constructed *engine.Engine, since a
// ThresholdLimitRule needs the engine's daily counter and a RateLimitRule
// needs its engine-owned rolling-window state.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/engine"
	"riskguard/internal/rules"
	"riskguard/internal/stats"
)

// FileConfig mirrors the JSON config layout on disk.
type FileConfig struct {
	Catalog       CatalogConfig `json:"catalog"`
	ShardCount    int           `json:"shardCount"`
	OrderIndexCap int           `json:"orderIndexCap"`
	Rules         []RuleConfig  `json:"rules"`
}

// CatalogConfig describes the frozen contract->product/exchange mapping.
type CatalogConfig struct {
	Contracts []ContractConfig `json:"contracts"`
}

// ContractConfig is one contract's product/exchange mapping.
type ContractConfig struct {
	ContractID string `json:"contractId"`
	ProductID  string `json:"productId"`
	ExchangeID string `json:"exchangeId"`
}

// LiveDimsConfig selects which dimension components a rule aggregates on.
type LiveDimsConfig struct {
	Account      bool `json:"account,omitempty"`
	Contract     bool `json:"contract,omitempty"`
	Product      bool `json:"product,omitempty"`
	Exchange     bool `json:"exchange,omitempty"`
	AccountGroup bool `json:"accountGroup,omitempty"`
}

func (c LiveDimsConfig) resolve() catalog.LiveDims {
	return catalog.LiveDims{
		Account:      c.Account,
		Contract:     c.Contract,
		Product:      c.Product,
		Exchange:     c.Exchange,
		AccountGroup: c.AccountGroup,
	}
}

// RuleConfig is a discriminated-union rule definition: Type selects which
// of the threshold/rate-limit fields apply.
type RuleConfig struct {
	Type           string         `json:"type"`
	RuleID         string         `json:"ruleId"`
	Live           LiveDimsConfig `json:"live"`
	Threshold      float64        `json:"threshold"`
	Metric         string         `json:"metric,omitempty"`
	Actions        []string       `json:"actions,omitempty"`
	ApplyOrder     bool           `json:"applyOrder,omitempty"`
	ApplyTrade     bool           `json:"applyTrade,omitempty"`
	ApplyCancel    bool           `json:"applyCancel,omitempty"`
	WindowNS       uint64         `json:"windowNs,omitempty"`
	NumBuckets     uint64         `json:"numBuckets,omitempty"`
	SuspendActions []string       `json:"suspendActions,omitempty"`
	ResumeActions  []string       `json:"resumeActions,omitempty"`
}

const (
	ruleTypeThresholdLimit = "threshold_limit"
	ruleTypeRateLimit      = "rate_limit"
)

// Loaded is the resolved configuration ready to build an engine from.
type Loaded struct {
	Catalog       *catalog.Catalog
	ShardCount    int
	OrderIndexCap int
	Rules         []RuleConfig
}

// Load reads and validates a JSON config file.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	cat := buildCatalog(cfg.Catalog)
	for i, r := range cfg.Rules {
		if err := validateRuleConfig(r); err != nil {
			return Loaded{}, fmt.Errorf("rule[%d] %q: %w", i, r.RuleID, err)
		}
	}
	return Loaded{
		Catalog:       cat,
		ShardCount:    cfg.ShardCount,
		OrderIndexCap: cfg.OrderIndexCap,
		Rules:         cfg.Rules,
	}, nil
}

func buildCatalog(cfg CatalogConfig) *catalog.Catalog {
	contractToProduct := make(map[string]string, len(cfg.Contracts))
	contractToExchange := make(map[string]string, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		if c.ProductID != "" {
			contractToProduct[c.ContractID] = c.ProductID
		}
		if c.ExchangeID != "" {
			contractToExchange[c.ContractID] = c.ExchangeID
		}
	}
	return catalog.New(contractToProduct, contractToExchange)
}

func validateRuleConfig(r RuleConfig) error {
	if r.RuleID == "" {
		return fmt.Errorf("ruleId is required")
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", r.Threshold)
	}
	switch r.Type {
	case ruleTypeThresholdLimit:
		if _, err := resolveMetric(r.Metric); err != nil {
			return err
		}
	case ruleTypeRateLimit:
		if r.WindowNS <= r.NumBuckets {
			return fmt.Errorf("windowNs (%d) must be greater than numBuckets (%d)", r.WindowNS, r.NumBuckets)
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	if _, err := resolveActions(r.Actions); err != nil {
		return err
	}
	if _, err := resolveActions(r.SuspendActions); err != nil {
		return err
	}
	if _, err := resolveActions(r.ResumeActions); err != nil {
		return err
	}
	return nil
}

// BuildRules resolves each parsed rule definition against e's catalog and
// daily counter and returns the constructed rules.Rule set, ready to hand
// to e.ReplaceRules or add one at a time via e.AddRule. Rate-limit rules
// are backed by e.RateLimitState(ruleId, ...), so reloading the same config
// against the same engine preserves in-flight window counts for any
// rule id that already existed.
func BuildRules(e *engine.Engine, specs []RuleConfig) ([]rules.Rule, error) {
	built := make([]rules.Rule, 0, len(specs))
	for _, r := range specs {
		rule, err := buildOne(e, r)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.RuleID, err)
		}
		built = append(built, rule)
	}
	return built, nil
}

func buildOne(e *engine.Engine, r RuleConfig) (rules.Rule, error) {
	switch r.Type {
	case ruleTypeThresholdLimit:
		metric, err := resolveMetric(r.Metric)
		if err != nil {
			return nil, err
		}
		actions, err := resolveActions(r.Actions)
		if err != nil {
			return nil, err
		}
		return rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
			RuleID:      r.RuleID,
			Metric:      metric,
			Threshold:   r.Threshold,
			Actions:     actions,
			Live:        r.Live.resolve(),
			ApplyOrder:  r.ApplyOrder,
			ApplyTrade:  r.ApplyTrade,
			ApplyCancel: r.ApplyCancel,
		}, e.Catalog(), e.Stats()), nil
	case ruleTypeRateLimit:
		suspend, err := resolveActions(r.SuspendActions)
		if err != nil {
			return nil, err
		}
		resume, err := resolveActions(r.ResumeActions)
		if err != nil {
			return nil, err
		}
		state := e.RateLimitState(r.RuleID, r.WindowNS, r.NumBuckets)
		return rules.NewRateLimitRule(rules.RateLimitConfig{
			RuleID:         r.RuleID,
			Threshold:      int64(r.Threshold),
			Live:           r.Live.resolve(),
			SuspendActions: suspend,
			ResumeActions:  resume,
			State:          state,
		}, e.Catalog()), nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", r.Type)
	}
}

var metricNames = map[string]stats.Metric{
	"trade_volume":   stats.MetricTradeVolume,
	"trade_notional": stats.MetricTradeNotional,
	"order_count":    stats.MetricOrderCount,
	"cancel_count":   stats.MetricCancelCount,
	"trade_count":    stats.MetricTradeCount,
}

func resolveMetric(name string) (stats.Metric, error) {
	m, ok := metricNames[name]
	if !ok {
		return stats.MetricUnknown, fmt.Errorf("unknown metric %q", name)
	}
	return m, nil
}

var actionNames = map[string]action.Kind{
	"suspend_account_trading": action.SuspendAccountTrading,
	"resume_account_trading":  action.ResumeAccountTrading,
	"suspend_ordering":        action.SuspendOrdering,
	"resume_ordering":         action.ResumeOrdering,
	"suspend_contract":        action.SuspendContract,
	"resume_contract":         action.ResumeContract,
	"suspend_product":         action.SuspendProduct,
	"resume_product":          action.ResumeProduct,
	"block_order":             action.BlockOrder,
	"block_cancel":            action.BlockCancel,
	"alert":                   action.Alert,
	"reduce_position":         action.ReducePosition,
	"increase_margin":         action.IncreaseMargin,
}

func resolveActions(names []string) ([]action.Kind, error) {
	kinds := make([]action.Kind, 0, len(names))
	for _, name := range names {
		k, ok := actionNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown action %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
