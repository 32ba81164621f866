package engine

import (
	"sync"
	"testing"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/riskmodel"
	"riskguard/internal/rules"
	"riskguard/internal/stats"
)

type captured struct {
	kind    action.Kind
	ruleID  string
	subject string
}

func sinkRecorder() (action.Sink, func() []captured) {
	var mu sync.Mutex
	var calls []captured
	sink := func(kind action.Kind, ruleID, subject, reason string, event any) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, captured{kind: kind, ruleID: ruleID, subject: subject})
	}
	return sink, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), calls...)
	}
}

func newCatalogForTests() *catalog.Catalog {
	return catalog.New(
		map[string]string{"T2303": "T10Y", "T2306": "T10Y"},
		map[string]string{"T2303": "CFFEX", "T2306": "CFFEX"},
	)
}

// S1 — Daily volume breach, product dimension.
func TestScenarioS1DailyVolumeBreach(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	const baseTS = uint64(1_700_000_000_000_000_000)
	contracts := []string{"T2303", "T2306"}
	for i := 0; i < 10; i++ {
		trade := riskmodel.Trade{
			TradeID:    uint64(i + 1),
			OrderID:    1,
			AccountID:  "A",
			ContractID: contracts[i%2],
			Price:      1,
			Volume:     150,
			Timestamp:  baseTS + uint64(i)*1_000_000,
		}
		if err := e.OnTrade(trade); err != nil {
			t.Fatalf("trade %d: unexpected error: %v", i+1, err)
		}
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 suspend action, got %d: %+v", len(got), got)
	}
	if got[0].kind != action.SuspendAccountTrading {
		t.Fatalf("expected SuspendAccountTrading, got %v", got[0].kind)
	}
}

// S2 — Rate-limit suspend and auto-resume.
func TestScenarioS2RateLimitSuspendAndAutoResume(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r2 := rules.NewRateLimitRule(rules.RateLimitConfig{
		RuleID:         "R2",
		Threshold:      50,
		WindowNS:       1_000_000_000,
		NumBuckets:     100,
		Live:           catalog.LiveDims{Account: true},
		SuspendActions: []action.Kind{action.SuspendOrdering},
		ResumeActions:  []action.Kind{action.ResumeOrdering},
	}, e.Catalog())
	e.AddRule(r2)

	const baseTS = uint64(2_000_000_000_000_000_000)
	for i := 0; i < 60; i++ {
		order := riskmodel.Order{
			OrderID:   uint64(i + 1),
			AccountID: "A",
			Volume:    1,
			Timestamp: baseTS + uint64(i)*10_000_000,
		}
		if err := e.OnOrder(order); err != nil {
			t.Fatalf("order %d: unexpected error: %v", i+1, err)
		}
	}

	got := calls()
	if len(got) != 1 || got[0].kind != action.SuspendOrdering {
		t.Fatalf("expected exactly 1 suspend, got %+v", got)
	}

	e.Tick(baseTS + 2_000_000_000)
	got = calls()
	if len(got) != 2 || got[1].kind != action.ResumeOrdering {
		t.Fatalf("expected suspend then resume, got %+v", got)
	}
}

// S3 — Deduplication of suspends.
func TestScenarioS3DedupOfSuspends(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	const baseTS = uint64(1_700_000_000_000_000_000)
	contracts := []string{"T2303", "T2306"}
	for i := 0; i < 27; i++ {
		trade := riskmodel.Trade{
			TradeID:    uint64(i + 1),
			OrderID:    1,
			AccountID:  "A",
			ContractID: contracts[i%2],
			Price:      1,
			Volume:     150,
			Timestamp:  baseTS + uint64(i)*1_000_000,
		}
		if err := e.OnTrade(trade); err != nil {
			t.Fatalf("trade %d: unexpected error: %v", i+1, err)
		}
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 suspend action across all 27 trades, got %d: %+v", len(got), got)
	}
}

// S4 — Distinct accounts independent.
func TestScenarioS4DistinctAccountsIndependent(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	const baseTS = uint64(1_700_000_000_000_000_000)
	for _, acct := range []string{"A", "B"} {
		for i := 0; i < 7; i++ {
			trade := riskmodel.Trade{
				TradeID:    uint64(i + 1),
				OrderID:    1,
				AccountID:  acct,
				ContractID: "T2303",
				Price:      1,
				Volume:     150,
				Timestamp:  baseTS + uint64(i)*1_000_000,
			}
			if err := e.OnTrade(trade); err != nil {
				t.Fatalf("account %s trade %d: unexpected error: %v", acct, i+1, err)
			}
		}
	}

	got := calls()
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 suspends (one per account), got %d: %+v", len(got), got)
	}
	if got[0].subject == got[1].subject {
		t.Fatalf("expected distinct subjects, got %+v", got)
	}
}

// S5 — Day rollover.
func TestScenarioS5DayRollover(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	dayBoundary := uint64(riskmodel.DayNanos)

	trade := func(ts uint64, volume int32) riskmodel.Trade {
		return riskmodel.Trade{TradeID: 1, OrderID: 1, AccountID: "A", ContractID: "T2303", Price: 1, Volume: volume, Timestamp: ts}
	}

	if err := e.OnTrade(trade(dayBoundary-1000, 900)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnTrade(trade(dayBoundary+1000, 200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := calls(); len(got) != 0 {
		t.Fatalf("expected no action across day rollover, got %+v", got)
	}
}

// S6 — Rule-set hot swap.
func TestScenarioS6RuleSetHotSwap(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	state := e.RateLimitState("R2", 1_000_000_000, 100)
	r2 := rules.NewRateLimitRule(rules.RateLimitConfig{
		RuleID:         "R2",
		Threshold:      50,
		Live:           catalog.LiveDims{Account: true},
		SuspendActions: []action.Kind{action.SuspendOrdering},
		ResumeActions:  []action.Kind{action.ResumeOrdering},
		State:          state,
	}, e.Catalog())
	e.AddRule(r2)

	const baseTS = uint64(3_000_000_000_000_000_000)
	for i := 0; i < 40; i++ {
		order := riskmodel.Order{OrderID: uint64(i + 1), AccountID: "A", Volume: 1, Timestamp: baseTS + uint64(i)*10_000_000}
		if err := e.OnOrder(order); err != nil {
			t.Fatalf("pre-swap order %d: unexpected error: %v", i+1, err)
		}
	}
	if got := calls(); len(got) != 0 {
		t.Fatalf("expected no action before swap, got %+v", got)
	}

	// Same rule id, same shared window state: the new threshold applies to
	// the cumulative window count carried over from before the swap.
	r2Prime := rules.NewRateLimitRule(rules.RateLimitConfig{
		RuleID:         "R2",
		Threshold:      30,
		Live:           catalog.LiveDims{Account: true},
		SuspendActions: []action.Kind{action.SuspendOrdering},
		ResumeActions:  []action.Kind{action.ResumeOrdering},
		State:          state,
	}, e.Catalog())
	e.ReplaceRules([]rules.Rule{r2Prime})

	for i := 40; i < 55; i++ {
		order := riskmodel.Order{OrderID: uint64(i + 1), AccountID: "A", Volume: 1, Timestamp: baseTS + uint64(i)*10_000_000}
		if err := e.OnOrder(order); err != nil {
			t.Fatalf("post-swap order %d: unexpected error: %v", i+1, err)
		}
	}

	got := calls()
	if len(got) != 1 || got[0].kind != action.SuspendOrdering {
		t.Fatalf("expected exactly 1 suspend on the first post-swap order whose cumulative count exceeds 30, got %+v", got)
	}
}

// Snapshot round-trip: restore(snapshot(s)) = s for daily counters and
// dedup latches, the engine state a snapshot actually covers.
func TestSnapshotRoundTripPreservesCountersAndLatches(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	const baseTS = uint64(1_700_000_000_000_000_000)
	for i := 0; i < 7; i++ {
		trade := riskmodel.Trade{
			TradeID:    uint64(i + 1),
			OrderID:    1,
			AccountID:  "A",
			ContractID: "T2303",
			Price:      1,
			Volume:     150,
			Timestamp:  baseTS + uint64(i)*1_000_000,
		}
		if err := e.OnTrade(trade); err != nil {
			t.Fatalf("trade %d: unexpected error: %v", i+1, err)
		}
	}
	if got := calls(); len(got) != 1 {
		t.Fatalf("expected exactly 1 suspend before snapshotting, got %+v", got)
	}

	blob := e.Snapshot()

	restoredSink, restoredCalls := sinkRecorder()
	restored := New(Config{Catalog: newCatalogForTests(), Sink: restoredSink})
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	r1Restored := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  1000,
		Actions:    []action.Kind{action.SuspendAccountTrading},
		Live:       catalog.LiveDims{Account: true, Product: true},
		ApplyTrade: true,
	}, restored.Catalog(), restored.Stats())
	restored.AddRule(r1Restored)

	// The restored dedup latch is already SUSPENDED, so one more trade that
	// would otherwise breach again must NOT re-fire the action.
	if err := restored.OnTrade(riskmodel.Trade{
		TradeID: 100, OrderID: 1, AccountID: "A", ContractID: "T2303",
		Price: 1, Volume: 150, Timestamp: baseTS + 8_000_000,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := restoredCalls(); len(got) != 0 {
		t.Fatalf("expected no new action after restore (latch already suspended), got %+v", got)
	}
	if got := restored.Metrics().Snapshot().ActionsDeduped[action.SuspendAccountTrading]; got != 1 {
		t.Fatalf("expected the re-breach to be counted as deduped, got %d", got)
	}
}

func TestMetricsCountProcessedAndRejectedEvents(t *testing.T) {
	e := New(Config{Catalog: newCatalogForTests()})

	if err := e.OnOrder(riskmodel.Order{OrderID: 1, AccountID: "A", Volume: 1, Timestamp: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnOrder(riskmodel.Order{OrderID: 2, AccountID: "A", Volume: -1, Timestamp: 1}); err == nil {
		t.Fatalf("expected rejection for non-positive volume")
	}

	snap := e.Metrics().Snapshot()
	if snap.OrdersProcessed != 1 {
		t.Fatalf("expected 1 processed order, got %d", snap.OrdersProcessed)
	}
	if snap.EventsRejected != 1 {
		t.Fatalf("expected 1 rejected order, got %d", snap.EventsRejected)
	}
}

// panickingRule always panics from OnOrder/OnTrade/OnCancel, simulating a
// fatal invariant violation inside a rule.
type panickingRule struct{ id string }

func (p panickingRule) ID() string { return p.id }
func (p panickingRule) OnOrder(riskmodel.Order) rules.Result { panic("boom") }
func (p panickingRule) OnTrade(riskmodel.Trade) rules.Result { panic("boom") }
func (p panickingRule) OnCancel(riskmodel.Cancel) rules.Result { panic("boom") }

func TestPanickingRuleDoesNotCrashEngineAndEmitsAlert(t *testing.T) {
	sink, calls := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	e.AddRule(panickingRule{id: "Rpanic"})

	if err := e.OnTrade(riskmodel.Trade{
		TradeID: 1, OrderID: 1, AccountID: "A", ContractID: "T2303",
		Price: 1, Volume: 1, Timestamp: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := calls()
	if len(got) != 1 || got[0].kind != action.Alert || got[0].ruleID != "__engine__" {
		t.Fatalf("expected one __engine__ alert, got %+v", got)
	}
	if snap := e.Metrics().Snapshot(); snap.SinkFailures != 1 {
		t.Fatalf("expected 1 sink failure counted, got %d", snap.SinkFailures)
	}
}

func TestPanickingSinkDoesNotCrashEngineAndEmitsAlert(t *testing.T) {
	var calls int
	sink := func(kind action.Kind, ruleID, subject, reason string, event any) {
		calls++
		if kind != action.Alert {
			panic("sink boom")
		}
	}
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  10,
		Actions:    []action.Kind{action.Alert, action.ReducePosition},
		Live:       catalog.LiveDims{Account: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	if err := e.OnTrade(riskmodel.Trade{
		TradeID: 1, OrderID: 1, AccountID: "A", ContractID: "T2303",
		Price: 1, Volume: 20, Timestamp: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap := e.Metrics().Snapshot(); snap.SinkFailures == 0 {
		t.Fatalf("expected at least 1 sink failure counted, got %d", snap.SinkFailures)
	}
	if calls == 0 {
		t.Fatalf("expected the sink to have been invoked")
	}
}

func TestDispatchLatencyIsObserved(t *testing.T) {
	sink, _ := sinkRecorder()
	e := New(Config{Catalog: newCatalogForTests(), Sink: sink})
	r1 := rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
		RuleID:     "R1",
		Metric:     stats.MetricTradeVolume,
		Threshold:  10,
		Actions:    []action.Kind{action.Alert},
		Live:       catalog.LiveDims{Account: true},
		ApplyTrade: true,
	}, e.Catalog(), e.Stats())
	e.AddRule(r1)

	if err := e.OnTrade(riskmodel.Trade{
		TradeID: 1, OrderID: 1, AccountID: "A", ContractID: "T2303",
		Price: 1, Volume: 20, Timestamp: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap := e.Metrics().Snapshot().DispatchLatency; snap.Count != 1 {
		t.Fatalf("expected 1 dispatch latency sample, got %d", snap.Count)
	}
}
