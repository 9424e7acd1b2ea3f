package autofill

import (
	"strconv"
	"testing"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/impact"
	"github.com/atmx/outcome-engine/internal/lob"
	"github.com/atmx/outcome-engine/internal/params"
)

func d(s string) fixedpoint.Num { return fixedpoint.MustFromString(s) }

// tickNear returns the integer tick a handful above the one closest to
// price, for resting an opt-in pool just outside the current market.
func tickNear(t *testing.T, price, tickSize fixedpoint.Num, above int64) int64 {
	t.Helper()
	ratio, err := fixedpoint.SafeDivide(price, tickSize)
	if err != nil {
		t.Fatalf("tick ratio: %v", err)
	}
	tick, err := strconv.ParseInt(ratio.Round(0).RawString(0), 10, 64)
	if err != nil {
		t.Fatalf("parse tick: %v", err)
	}
	return tick + above
}

func freshState(t *testing.T) (*enginestate.EngineState, params.EngineParams) {
	t.Helper()
	p := params.Default()
	s, err := enginestate.Init(p)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return s, p
}

func nextTradeID() func() string {
	n := 0
	return func() string {
		n++
		return "trade-" + string(rune('a'+n))
	}
}

func TestRun_NoDiversionsProducesNothing(t *testing.T) {
	s, p := freshState(t)
	eff := p.EffectiveAt(0, s.NActive())
	res, err := Run(s, p, eff, nil, 0, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(res.Fills))
	}
}

func TestRun_DisabledSkipsEntirely(t *testing.T) {
	s, p := freshState(t)
	p.AFEnabled = false
	eff := p.EffectiveAt(0, s.NActive())
	b, _ := s.GetBinary(1)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 80, OptIn: true}
	lob.AddToPool(b, key, "alice", d("100"), p.Tick)

	diversions := []impact.Diversion{{OutcomeIndex: 1, DeltaV: d("50")}}
	res, err := Run(s, p, eff, diversions, 0, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected auto-fill disabled to produce no fills, got %d", len(res.Fills))
	}
}

func TestRun_FillsEligibleOptInPool(t *testing.T) {
	s, p := freshState(t)
	b, err := s.GetBinary(1)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	pYes, err := b.PYes()
	if err != nil {
		t.Fatalf("p_yes: %v", err)
	}
	// Rest an opt-in SELL pool a few ticks above the current price so a
	// positive V_j diversion (price drifting down) can exploit it.
	tick := tickNear(t, pYes, p.Tick, 5)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: tick, OptIn: true}
	lob.AddToPool(b, key, "alice", d("50"), p.Tick)

	eff := p.EffectiveAt(0, s.NActive())
	diversions := []impact.Diversion{{OutcomeIndex: 1, DeltaV: d("100")}}
	res, err := Run(s, p, eff, diversions, 1000, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, f := range res.Fills {
		if !f.Size.IsPositive() {
			t.Errorf("fill size must be positive, got %s", f.Size)
		}
	}
	for _, ev := range res.Events {
		payload := ev.Payload
		surplus, ok := payload["surplus"].(string)
		if !ok {
			continue
		}
		if fixedpoint.MustFromString(surplus).IsNegative() {
			t.Errorf("surplus must never be negative, got %s", surplus)
		}
	}
}

func TestRun_VMovesByExactlyTheCapturedSeigniorage(t *testing.T) {
	s, p := freshState(t)
	b, err := s.GetBinary(1)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	pYes, err := b.PYes()
	if err != nil {
		t.Fatalf("p_yes: %v", err)
	}
	tick := tickNear(t, pYes, p.Tick, 5)
	key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: tick, OptIn: true}
	lob.AddToPool(b, key, "alice", d("50"), p.Tick)
	vBefore := b.V

	eff := p.EffectiveAt(0, s.NActive())
	diversions := []impact.Diversion{{OutcomeIndex: 1, DeltaV: d("100")}}
	res, err := Run(s, p, eff, diversions, 1000, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) == 0 {
		t.Fatalf("expected at least one fill to exercise the V update")
	}

	wantDelta := fixedpoint.Zero()
	for _, ev := range res.Events {
		captured, ok := ev.Payload["captured"].(string)
		if !ok {
			continue
		}
		wantDelta = wantDelta.Add(fixedpoint.MustFromString(captured))
	}

	gotDelta := b.V.Sub(vBefore)
	if !gotDelta.Equal(wantDelta) {
		t.Errorf("V moved by %s, want exactly the captured seigniorage sum sigma*surplus = %s (no fi*x_amm own-impact term, no rebate subtraction)", gotDelta, wantDelta)
	}
}

func TestRun_RespectsMaxPoolsCap(t *testing.T) {
	s, p := freshState(t)
	p.AFMaxPools = 1
	b, err := s.GetBinary(1)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	pYes, _ := b.PYes()
	tick := tickNear(t, pYes, p.Tick, 3)
	for i := int64(0); i < 3; i++ {
		key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: tick + i, OptIn: true}
		lob.AddToPool(b, key, "alice", d("50"), p.Tick)
	}

	eff := p.EffectiveAt(0, s.NActive())
	diversions := []impact.Diversion{{OutcomeIndex: 1, DeltaV: d("200")}}
	res, err := Run(s, p, eff, diversions, 0, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) > p.AFMaxPools {
		t.Errorf("expected at most %d fills, got %d", p.AFMaxPools, len(res.Fills))
	}
}

func TestRun_CapsTotalSurplusAcrossMultiplePoolsForSameBinary(t *testing.T) {
	s, p := freshState(t)
	b, err := s.GetBinary(1)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	pYes, err := b.PYes()
	if err != nil {
		t.Fatalf("p_yes: %v", err)
	}
	// Rest three opt-in SELL pools on the same binary so one diversion
	// probes several pools; the surplus summed across all their fills is
	// checked against the single shared af_max_surplus·|D_j| budget.
	tick := tickNear(t, pYes, p.Tick, 2)
	for i := int64(0); i < 3; i++ {
		key := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: tick + i, OptIn: true}
		lob.AddToPool(b, key, "alice", d("1000"), p.Tick)
	}

	eff := p.EffectiveAt(0, s.NActive())
	absD := d("100")
	diversions := []impact.Diversion{{OutcomeIndex: 1, DeltaV: absD}}
	res, err := Run(s, p, eff, diversions, 0, nextTradeID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fills) == 0 {
		t.Fatalf("expected at least one pool to qualify")
	}

	totalSurplus := fixedpoint.Zero()
	for _, ev := range res.Events {
		surplus, ok := ev.Payload["surplus"].(string)
		if !ok {
			continue
		}
		totalSurplus = totalSurplus.Add(fixedpoint.MustFromString(surplus))
	}

	budget := p.AFMaxSurplus.Mul(absD)
	if totalSurplus.GreaterThan(budget.Add(d("0.000001"))) {
		t.Errorf("total surplus %s across all pools exceeded the shared cap %s", totalSurplus, budget)
	}
}

func TestRebatesFor_SumsExactly(t *testing.T) {
	consumed := map[string]fixedpoint.Num{"alice": d("30"), "bob": d("70")}
	rebates := rebatesFor(0, consumed, d("100"), d("10.000001"))
	sum := fixedpoint.Zero()
	for _, r := range rebates {
		sum = sum.Add(r.Amount)
	}
	if !sum.Equal(d("10.000001")) {
		t.Errorf("expected rebate sum 10.000001, got %s", sum)
	}
}
