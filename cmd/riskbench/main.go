// Command riskbench drives synthetic trade volume through an engine
// instance and reports sustained events/sec, for checking the engine
// against the spec's >=10^6 events/sec single-node target.
package main

import (
	"flag"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/engine"
	"riskguard/internal/riskmodel"
	"riskguard/internal/rules"
	"riskguard/internal/stats"
)

func main() {
	duration := flag.Duration("duration", 5*time.Second, "how long to drive load")
	producers := flag.Int("producers", runtime.GOMAXPROCS(0), "concurrent producer goroutines")
	ruleCount := flag.Int("rules", 4, "number of active threshold rules")
	accountCount := flag.Int("accounts", 100, "distinct accounts to spread trades across")
	flag.Parse()

	cat := catalog.New(
		map[string]string{"T2303": "T10Y", "T2306": "T10Y"},
		map[string]string{"T2303": "CFFEX", "T2306": "CFFEX"},
	)
	e := engine.New(engine.Config{Catalog: cat, ShardCount: 64})

	rs := make([]rules.Rule, 0, *ruleCount)
	for i := 0; i < *ruleCount; i++ {
		rs = append(rs, rules.NewThresholdLimitRule(rules.ThresholdLimitConfig{
			RuleID:     fmt.Sprintf("R%d", i),
			Metric:     stats.MetricTradeVolume,
			Threshold:  1e12,
			Actions:    []action.Kind{action.Alert},
			Live:       catalog.LiveDims{Account: true, Product: true},
			ApplyTrade: true,
		}, e.Catalog(), e.Stats()))
	}
	e.ReplaceRules(rs)

	var processed uint64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(*producers)
	for p := 0; p < *producers; p++ {
		go func(worker int) {
			defer wg.Done()
			trade := riskmodel.Trade{
				OrderID: 1, ContractID: "T2303", Price: 100, Volume: 1,
				Timestamp: 1_700_000_000_000_000_000,
			}
			var id, count uint64
			for {
				select {
				case <-stop:
					atomic.AddUint64(&processed, count)
					return
				default:
				}
				id++
				count++
				trade.TradeID = id
				trade.AccountID = fmt.Sprintf("A%d-%d", worker, id%uint64(*accountCount))
				trade.Timestamp++
				_ = e.OnTrade(trade)
			}
		}(p)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	rate := float64(processed) / duration.Seconds()
	snap := e.Metrics().Snapshot()
	fmt.Printf("processed=%d duration=%s rate=%.0f events/sec\n", processed, *duration, rate)
	fmt.Printf("engine counters: tradesProcessed=%d eventsRejected=%d\n", snap.TradesProcessed, snap.EventsRejected)
}
