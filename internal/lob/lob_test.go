package lob

import (
	"strconv"
	"testing"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/params"
)

func d(s string) fixedpoint.Num { return fixedpoint.MustFromString(s) }

func freshBinary(t *testing.T) (*enginestate.BinaryState, params.EngineParams) {
	t.Helper()
	p := params.Default()
	s, err := enginestate.Init(p)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	b, err := s.GetBinary(0)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	return b, p
}

func tradeIDSeq() func() string {
	n := 0
	return func() string {
		n++
		return "t" + strconv.Itoa(n)
	}
}

func TestAddToPool_BuyVolumeIsSharesTimesTickPrice(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 50, OptIn: false}
	AddToPool(b, key, "alice", d("10"), p.Tick)
	pool := b.Pool(key, false)
	want := d("10").Mul(TickPrice(50, p.Tick)).Round(fixedpoint.AmountScale)
	if !pool.Volume.Equal(want) {
		t.Errorf("BUY pool volume = %s, want %s", pool.Volume, want)
	}
}

func TestAddToPool_SellVolumeEqualsShares(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 50, OptIn: false}
	AddToPool(b, key, "alice", d("10"), p.Tick)
	pool := b.Pool(key, false)
	if !pool.Volume.Equal(d("10")) {
		t.Errorf("SELL pool volume = %s, want 10", pool.Volume)
	}
}

func TestCancelFromPool_RefundsAndRemovesEmptyPool(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 40, OptIn: false}
	AddToPool(b, key, "alice", d("5"), p.Tick)

	refund := CancelFromPool(b, key, "alice", p.Tick)
	want := d("5").Mul(TickPrice(40, p.Tick)).Round(fixedpoint.AmountScale)
	if !refund.Equal(want) {
		t.Errorf("refund = %s, want %s", refund, want)
	}
	if b.Pool(key, false) != nil {
		t.Errorf("expected pool to be removed once its only user cancels")
	}
}

func TestCancelFromPool_UnknownUserYieldsZeroRefund(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 40, OptIn: false}
	AddToPool(b, key, "alice", d("5"), p.Tick)
	refund := CancelFromPool(b, key, "nobody", p.Tick)
	if !refund.IsZero() {
		t.Errorf("refund for an absent user = %s, want 0", refund)
	}
}

func TestConsumeProRata_SplitsAcrossUsersAndAssignsResidueToLast(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 50, OptIn: false}
	AddToPool(b, key, "alice", d("7"), p.Tick)
	AddToPool(b, key, "bob", d("3"), p.Tick)

	consumed := ConsumeProRata(b, key, d("5"), p.Tick)
	total := fixedpoint.Zero()
	for _, amt := range consumed {
		total = total.Add(amt)
	}
	if !total.Equal(d("5")) {
		t.Errorf("sum of consumed amounts = %s, want exactly 5", total)
	}
	if len(consumed) != 2 {
		t.Fatalf("expected both users to have consumed amounts, got %d", len(consumed))
	}
}

func TestConsumeProRata_FullyDrainedPoolIsRemoved(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 50, OptIn: false}
	AddToPool(b, key, "alice", d("5"), p.Tick)
	ConsumeProRata(b, key, d("5"), p.Tick)
	if b.Pool(key, false) != nil {
		t.Errorf("expected pool removed once fully consumed")
	}
}

func TestPoolTokenCapacity_BuyIsVolumeOverTickPrice(t *testing.T) {
	b, p := freshBinary(t)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 25, OptIn: false}
	AddToPool(b, key, "alice", d("8"), p.Tick)
	cap := PoolTokenCapacity(b, key, p.Tick)
	if !cap.Equal(d("8")) {
		t.Errorf("capacity = %s, want 8", cap)
	}
}

func TestCrossMatch_ClearsWhenYesPlusNoCoverOneAfterFee(t *testing.T) {
	b, p := freshBinary(t)
	// YES BUY at 0.60, NO SELL resting at tick such that priceYes+priceNo >= 1.
	AddToPool(b, enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 60, OptIn: false}, "alice", d("10"), p.Tick)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.No, Direction: enginestate.Sell, Tick: 45, OptIn: false}, "bob", d("10"), p.Tick)

	fills, events, err := CrossMatch(b, p, 100, tradeIDSeq())
	if err != nil {
		t.Fatalf("CrossMatch: %v", err)
	}
	if len(fills) == 0 {
		t.Fatalf("expected at least one cross-match fill")
	}
	if len(events) != len(fills) {
		t.Errorf("expected one CROSS_MATCH event per fill, got %d events for %d fills", len(events), len(fills))
	}
}

func TestCrossMatch_PairsHighestYesWithHighestNoNotLowestNo(t *testing.T) {
	b, p := freshBinary(t)
	p.FMatch = d("0")
	// YES BUY at tick 90 (0.90). NO SELL resting at two ticks: 5 (0.05)
	// and 95 (0.95). (90,5) sums to 0.95 < 1 and never clears, but
	// (90,95) sums to 1.85 >= 1 and should clear — the most favorable
	// NO pairing is the highest resting tick, not the lowest.
	AddToPool(b, enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 90, OptIn: false}, "alice", d("10"), p.Tick)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.No, Direction: enginestate.Sell, Tick: 5, OptIn: false}, "bob", d("10"), p.Tick)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.No, Direction: enginestate.Sell, Tick: 95, OptIn: false}, "carol", d("10"), p.Tick)

	fills, _, err := CrossMatch(b, p, 100, tradeIDSeq())
	if err != nil {
		t.Fatalf("CrossMatch: %v", err)
	}
	if len(fills) == 0 {
		t.Fatalf("expected the (90,95) pairing to clear, got no fills")
	}
}

func TestCrossMatch_DisabledIsNoOp(t *testing.T) {
	b, p := freshBinary(t)
	p.CMEnabled = false
	AddToPool(b, enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 99, OptIn: false}, "alice", d("10"), p.Tick)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.No, Direction: enginestate.Sell, Tick: 1, OptIn: false}, "bob", d("10"), p.Tick)

	fills, events, err := CrossMatch(b, p, 100, tradeIDSeq())
	if err != nil {
		t.Fatalf("CrossMatch: %v", err)
	}
	if len(fills) != 0 || len(events) != 0 {
		t.Errorf("expected no activity with cross-match disabled, got %d fills, %d events", len(fills), len(events))
	}
}

func TestMatchMarketAgainstLOB_BuyWalksSellPoolsAscending(t *testing.T) {
	b, p := freshBinary(t)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 40, OptIn: false}, "alice", d("5"), p.Tick)
	AddToPool(b, enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 50, OptIn: false}, "bob", d("5"), p.Tick)

	fills, matched, err := MatchMarketAgainstLOB(b, p, enginestate.Yes, true, d("7"), "carol", 0, tradeIDSeq())
	if err != nil {
		t.Fatalf("MatchMarketAgainstLOB: %v", err)
	}
	if !matched.Equal(d("7")) {
		t.Errorf("matched = %s, want 7", matched)
	}
	if len(fills) == 0 {
		t.Fatalf("expected at least one fill")
	}
	if !fills[0].Price.Equal(TickPrice(40, p.Tick)) {
		t.Errorf("first fill price = %s, want the best (lowest tick) price 0.40", fills[0].Price)
	}
}

func TestMatchMarketAgainstLOB_NoLiquidityYieldsNoFills(t *testing.T) {
	b, p := freshBinary(t)
	fills, matched, err := MatchMarketAgainstLOB(b, p, enginestate.Yes, true, d("7"), "carol", 0, tradeIDSeq())
	if err != nil {
		t.Fatalf("MatchMarketAgainstLOB: %v", err)
	}
	if len(fills) != 0 || !matched.IsZero() {
		t.Errorf("expected zero fills/matched size against empty pools, got %d fills, matched=%s", len(fills), matched)
	}
}
