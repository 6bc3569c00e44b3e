// Package usage increments the per-key token/cost counters the request
// path reports into after every dispatched request, unary or streamed.
package usage

import (
	"context"
	"time"

	"github.com/relaycore/apirelay/internal/clock"
	"github.com/relaycore/apirelay/internal/config"
	"github.com/relaycore/apirelay/internal/store"
)

// LongContextThreshold is the input-token count above which a request's
// tokens are additionally counted toward the lifetime long-context
// variants, matching Anthropic's published long-context pricing tier.
const LongContextThreshold = 200_000

// Record is one request's token/cost delta, in the units incrementUsage
// consumes: coreTokens and allTokens are derived, not supplied.
type Record struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Ephemeral5mTokens int64
	Ephemeral1hTokens int64
	Cost              float64
}

// CoreTokens is input+output, the baseline billable token count.
func (r Record) CoreTokens() int64 { return r.InputTokens + r.OutputTokens }

// AllTokens additionally folds in cache create/read tokens.
func (r Record) AllTokens() int64 { return r.CoreTokens() + r.CacheCreateTokens + r.CacheReadTokens }

// IsLongContext reports whether this record's input crossed the
// long-context threshold.
func (r Record) IsLongContext() bool { return r.InputTokens > LongContextThreshold }

// Meter increments a store.Usage backend across the four resolution
// buckets in one pipelined call per request.
type Meter struct {
	backend  store.Usage
	clock    *clock.Clock
	dayTTL   time.Duration
	monthTTL time.Duration
	hourTTL  time.Duration
}

// New builds a Meter bucketing with clk and retaining day/month/hour
// buckets per cfg; lifetime entries never expire.
func New(backend store.Usage, clk *clock.Clock, cfg *config.Config) *Meter {
	return &Meter{
		backend:  backend,
		clock:    clk,
		dayTTL:   cfg.UsageDayTTL,
		monthTTL: cfg.UsageMonthTTL,
		hourTTL:  cfg.UsageHourTTL,
	}
}

// Increment applies rec to keyID's lifetime, day, month, and hour buckets.
// requests always increments by 1; long-context variants land on the
// lifetime bucket only, per the long-context flag contract.
func (m *Meter) Increment(ctx context.Context, keyID string, rec Record) error {
	inc := store.UsageIncrement{
		InputTokens:       rec.InputTokens,
		OutputTokens:      rec.OutputTokens,
		CacheCreateTokens: rec.CacheCreateTokens,
		CacheReadTokens:   rec.CacheReadTokens,
		Requests:          1,
		Ephemeral5mTokens: rec.Ephemeral5mTokens,
		Ephemeral1hTokens: rec.Ephemeral1hTokens,
		Cost:              rec.Cost,
	}
	if rec.IsLongContext() {
		inc.LongContextInputTokens = rec.InputTokens
		inc.LongContextOutputTokens = rec.OutputTokens
		inc.LongContextRequests = 1
	}

	buckets := store.BucketKeys{
		DayKey:   m.clock.DayKey(),
		MonthKey: m.clock.MonthKey(),
		HourKey:  m.clock.HourKey(),
		DayTTL:   m.dayTTL,
		MonthTTL: m.monthTTL,
		HourTTL:  m.hourTTL,
	}

	return m.backend.IncrementUsage(ctx, keyID, buckets, inc)
}
