package usage

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/apirelay/internal/clock"
	"github.com/relaycore/apirelay/internal/config"
	"github.com/relaycore/apirelay/internal/store"
)

func newTestMeter() (*Meter, *store.Memory) {
	mem := store.NewMemory()
	fixed := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	clk := clock.New(0)
	clk.Now = func() time.Time { return fixed }
	cfg := &config.Config{
		UsageDayTTL:   90 * 24 * time.Hour,
		UsageMonthTTL: 365 * 24 * time.Hour,
		UsageHourTTL:  7 * 24 * time.Hour,
	}
	return New(mem, clk, cfg), mem
}

func TestIncrementAppliesCoreTokensAcrossAllBuckets(t *testing.T) {
	m, mem := newTestMeter()
	rec := Record{InputTokens: 100, OutputTokens: 50, CacheCreateTokens: 10, CacheReadTokens: 5}

	if err := m.Increment(context.Background(), "key-1", rec); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	for _, bucket := range []string{"lifetime", "day:2026-03-15", "month:2026-03", "hour:2026-03-15:10"} {
		got, err := mem.GetUsage(context.Background(), "key-1", bucket)
		if err != nil {
			t.Fatalf("GetUsage(%s): %v", bucket, err)
		}
		if got.InputTokens != 100 || got.OutputTokens != 50 || got.Requests != 1 {
			t.Fatalf("bucket %s: unexpected usage %+v", bucket, got)
		}
	}
}

func TestIncrementLongContextOnlyHitsLifetimeBucket(t *testing.T) {
	m, mem := newTestMeter()
	rec := Record{InputTokens: 250_000, OutputTokens: 10}

	if err := m.Increment(context.Background(), "key-2", rec); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	lifetime, _ := mem.GetUsage(context.Background(), "key-2", "lifetime")
	if lifetime.LongContextInputTokens != 250_000 || lifetime.LongContextRequests != 1 {
		t.Fatalf("expected lifetime long-context increment, got %+v", lifetime)
	}

	day, _ := mem.GetUsage(context.Background(), "key-2", "day:2026-03-15")
	if day.LongContextInputTokens != 0 || day.LongContextRequests != 0 {
		t.Fatalf("day bucket must not carry long-context counters, got %+v", day)
	}
}

func TestIncrementBelowThresholdSkipsLongContext(t *testing.T) {
	m, mem := newTestMeter()
	rec := Record{InputTokens: 1000, OutputTokens: 10}

	if err := m.Increment(context.Background(), "key-3", rec); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	lifetime, _ := mem.GetUsage(context.Background(), "key-3", "lifetime")
	if lifetime.LongContextRequests != 0 {
		t.Fatalf("expected no long-context increment below threshold, got %+v", lifetime)
	}
}

func TestRecordTokenDerivations(t *testing.T) {
	rec := Record{InputTokens: 10, OutputTokens: 5, CacheCreateTokens: 2, CacheReadTokens: 3}
	if rec.CoreTokens() != 15 {
		t.Fatalf("CoreTokens = %d, want 15", rec.CoreTokens())
	}
	if rec.AllTokens() != 20 {
		t.Fatalf("AllTokens = %d, want 20", rec.AllTokens())
	}
}
