// Package scheduler runs the two periodic host loops spec §5 names as
// external collaborators: a fixed-interval apply_orders tick
// (BatchScheduler) and a scheduled trigger_resolution firing
// (ResolutionTimer). Grounded in app/runner/batch_runner.py and
// app/runner/timer_service.py, implemented with context.Context
// cancellation the way cmd/server/main.go shuts its HTTP server down.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/resolution"
)

// OrderSource supplies the orders queued for one market since the last
// tick. The host owns queuing; the scheduler only drains it.
type OrderSource func(marketID string) []market.Order

// ResultSink receives every fill/event a tick produced, for realtime
// fan-out, metrics, and persistence.
type ResultSink func(marketID string, fills []market.Fill, events []market.Event)

// BatchScheduler ticks apply_orders for a fixed set of markets on a
// fixed interval — spec §5's batching window, never per-order.
type BatchScheduler struct {
	Markets  []*engine.Market
	Interval time.Duration
	Source   OrderSource
	Sink     ResultSink
	NowMs    func() int64
}

// Run blocks, ticking every market's queued orders through
// apply_orders on Interval, until ctx is canceled.
func (b *BatchScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *BatchScheduler) tick() {
	for _, m := range b.Markets {
		orders := b.Source(m.ID)
		if len(orders) == 0 {
			continue
		}
		fills, events, err := m.ApplyOrders(orders, b.NowMs())
		if err != nil {
			slog.Error("apply_orders batch failed", "market_id", m.ID, "err", err)
			continue
		}
		if b.Sink != nil {
			b.Sink(m.ID, fills, events)
		}
	}
}

// ResolutionSink receives the payouts/events one trigger_resolution
// call produced.
type ResolutionSink func(marketID string, payouts map[string]string, events []market.Event)

// ScheduledResolution is one configured future resolution call for a
// market — either an intermediate elimination round or the final
// payout.
type ScheduledResolution struct {
	MarketID string
	At       time.Time
	Mode     resolution.Mode
	Lookup   resolution.PositionsLookup
}

// ResolutionTimer fires trigger_resolution for each configured
// ScheduledResolution at its scheduled time, exactly once.
type ResolutionTimer struct {
	Markets   map[string]*engine.Market
	Schedule  []ScheduledResolution
	Sink      ResolutionSink
	NowMs     func() int64
	pollEvery time.Duration
}

// Run blocks, polling the schedule for due entries, until ctx is
// canceled or every scheduled resolution has fired.
func (rt *ResolutionTimer) Run(ctx context.Context) {
	interval := rt.pollEvery
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fired := make([]bool, len(rt.Schedule))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remaining := 0
			for i, sr := range rt.Schedule {
				if fired[i] {
					continue
				}
				remaining++
				if now.Before(sr.At) {
					continue
				}
				rt.fire(sr)
				fired[i] = true
				remaining--
			}
			if remaining == 0 {
				return
			}
		}
	}
}

func (rt *ResolutionTimer) fire(sr ScheduledResolution) {
	m, ok := rt.Markets[sr.MarketID]
	if !ok {
		slog.Error("resolution timer: unknown market", "market_id", sr.MarketID)
		return
	}
	payouts, events, err := m.Resolve(sr.Mode, sr.Lookup, rt.NowMs())
	if err != nil {
		slog.Error("trigger_resolution failed", "market_id", sr.MarketID, "err", err)
		return
	}
	if rt.Sink == nil {
		return
	}
	out := make(map[string]string, len(payouts))
	for userID, amt := range payouts {
		out[userID] = amt.String()
	}
	rt.Sink(sr.MarketID, out, events)
}
