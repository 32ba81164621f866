package snapshot

import (
	"testing"

	"github.com/yanun0323/decimal"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/stats"
)

func TestSnapshotRoundTrip(t *testing.T) {
	counter := stats.NewDailyCounter(8)
	key := catalog.Key{Account: "A", Contract: "T2303", Product: "T10Y", Exchange: "CFFEX", AccountGroup: catalog.Absent}
	counter.Add(key, stats.MetricTradeVolume, decimal.NewFromInt(150), 1_700_000_000_000_000_000)
	counter.Add(key, stats.MetricTradeNotional, decimal.NewFromFloat(1234.5), 1_700_000_000_000_000_000)

	dedup := action.NewDedupTable()
	dedup.Propose("A|T2303|T10Y|CFFEX|"+catalog.Absent, "account_trading", true)
	dedup.Propose("B|T2306|T10Y|CFFEX|"+catalog.Absent, "ordering", false)

	blob := Encode(counter, dedup)

	restoredCounter := stats.NewDailyCounter(8)
	restoredDedup := action.NewDedupTable()
	if err := Restore(blob, restoredCounter, restoredDedup); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	day := int32(1_700_000_000_000_000_000 / 86_400_000_000_000)
	gotVolume := restoredCounter.Get(key, stats.MetricTradeVolume, day)
	if !gotVolume.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected volume 150, got %s", gotVolume.String())
	}
	gotNotional := restoredCounter.Get(key, stats.MetricTradeNotional, day)
	if !gotNotional.Equal(decimal.NewFromFloat(1234.5)) {
		t.Fatalf("expected notional 1234.5, got %s", gotNotional.String())
	}

	suspended, exists := restoredDedup.State("A|T2303|T10Y|CFFEX|"+catalog.Absent, "account_trading")
	if !exists || !suspended {
		t.Fatalf("expected restored latch to be suspended, got exists=%v suspended=%v", exists, suspended)
	}
	suspended, exists = restoredDedup.State("B|T2306|T10Y|CFFEX|"+catalog.Absent, "ordering")
	if !exists || suspended {
		t.Fatalf("expected restored latch to be allowed, got exists=%v suspended=%v", exists, suspended)
	}
}

func TestSnapshotRejectsCorruptChecksum(t *testing.T) {
	counter := stats.NewDailyCounter(4)
	dedup := action.NewDedupTable()
	blob := Encode(counter, dedup)
	blob[len(blob)-1] ^= 0xFF

	err := Restore(blob, stats.NewDailyCounter(4), action.NewDedupTable())
	if err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	blob := Encode(stats.NewDailyCounter(4), action.NewDedupTable())
	blob[0] = 'X'

	err := Restore(blob, stats.NewDailyCounter(4), action.NewDedupTable())
	if err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}
