package resolution

import (
	"testing"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/lob"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

func d(s string) fixedpoint.Num { return fixedpoint.MustFromString(s) }

func freshState(t *testing.T) (*enginestate.EngineState, params.EngineParams) {
	t.Helper()
	p := params.Default()
	s, err := enginestate.Init(p)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return s, p
}

// setPYes adjusts virtual_yes directly so binary i's p_yes equals target,
// without going through a trade.
func setPYes(t *testing.T, s *enginestate.EngineState, outcome int, target fixedpoint.Num) {
	t.Helper()
	b, err := s.GetBinary(outcome)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	b.VirtualYes = target.Mul(b.L).Sub(b.QYes).Round(fixedpoint.AmountScale)
}

func noopLookup(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num {
	return map[string]fixedpoint.Num{}
}

func TestRun_IntermediateEliminationRedistributesAndRenormalizes(t *testing.T) {
	s, p := freshState(t)
	setPYes(t, s, 0, d("0.6"))
	setPYes(t, s, 1, d("0.5"))
	setPYes(t, s, 2, d("0.45"))

	preSumYes, err := s.SumPYes()
	if err != nil {
		t.Fatalf("pre sum: %v", err)
	}

	mode := Mode{Eliminate: []int{2}}
	payouts, next, events, err := Run(s, p, mode, noopLookup, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payouts) != 0 {
		t.Errorf("expected no payouts with an empty lookup, got %+v", payouts)
	}

	b2, err := next.GetBinary(2)
	if err != nil {
		t.Fatalf("get binary 2: %v", err)
	}
	if b2.Active {
		t.Errorf("expected outcome 2 to be eliminated")
	}

	remaining := next.ActiveAscending()
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining active binaries, got %d", len(remaining))
	}

	realizedSum, err := next.SumPYes()
	if err != nil {
		t.Fatalf("realized sum: %v", err)
	}
	diff := realizedSum.Sub(preSumYes).Abs()
	if diff.GreaterThan(d("0.0001")) {
		t.Errorf("expected realized p_yes sum %s to match pre-elimination sum %s within rounding", realizedSum, preSumYes)
	}

	if err := enginestate.Validate(next, p); err != nil {
		t.Errorf("resulting state invalid: %v", err)
	}

	sawElimination, sawSummary := false, false
	for _, ev := range events {
		switch ev.Type {
		case market.EventElimination:
			sawElimination = true
		case market.EventRoundSummary:
			sawSummary = true
		}
	}
	if !sawElimination {
		t.Errorf("expected an ELIMINATION event")
	}
	if !sawSummary {
		t.Errorf("expected a ROUND_SUMMARY event")
	}
}

func TestRun_EliminationReportsCappedOutcomesInRoundSummary(t *testing.T) {
	s, p := freshState(t)
	setPYes(t, s, 0, d("0.6"))
	setPYes(t, s, 1, d("0.5"))
	setPYes(t, s, 2, d("0.45"))

	b0, err := s.GetBinary(0)
	if err != nil {
		t.Fatalf("get binary 0: %v", err)
	}
	// A negative virtual_yes (p_yes_0 = 0.1) leaves outcome 0's renormalized
	// target p*·L (≈ 875) below its real q_yes (≈ 1666.67), so the
	// virtual-yes floor at 0 fires for it; outcome 1's target stays above
	// its q_yes.
	b0.VirtualYes = d("0.1").Mul(b0.L).Sub(b0.QYes).Round(fixedpoint.AmountScale)

	_, _, events, err := Run(s, p, Mode{Eliminate: []int{2}}, noopLookup, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload map[string]any
	for _, ev := range events {
		if ev.Type == market.EventRoundSummary {
			payload = ev.Payload
		}
	}
	if payload == nil {
		t.Fatalf("expected a ROUND_SUMMARY event")
	}
	capped, _ := payload["capped_outcomes"].([]int)
	if len(capped) != 1 || capped[0] != 0 {
		t.Errorf("expected capped_outcomes = [0], got %v", payload["capped_outcomes"])
	}
	if payload["capped"] != true {
		t.Errorf("expected capped = true, got %v", payload["capped"])
	}
}

func TestRun_IntermediateRejectedWhenMultiRoundDisabled(t *testing.T) {
	s, p := freshState(t)
	p.MREnabled = false
	_, _, _, err := Run(s, p, Mode{Eliminate: []int{1}}, noopLookup, 0)
	if err == nil {
		t.Fatalf("expected an error rejecting intermediate resolution")
	}
}

func TestRun_FinalPayoutWithMultiRoundEnabledPaysWinnerAndDeactivatesAll(t *testing.T) {
	s, p := freshState(t)
	// Deactivate everything but the winner, as a multi-round session would
	// have already done via prior eliminations.
	b1, _ := s.GetBinary(1)
	b1.Active = false
	b2, _ := s.GetBinary(2)
	b2.Active = false

	lookup := func(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num {
		if outcomeIndex == 0 && side == enginestate.Yes {
			return map[string]fixedpoint.Num{"alice": d("100")}
		}
		return map[string]fixedpoint.Num{}
	}

	payouts, next, events, err := Run(s, p, Mode{Final: true, Winner: 0}, lookup, 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := payouts["alice"]; !ok || !got.Equal(d("100")) {
		t.Errorf("expected alice to be paid exactly 100, got %+v", payouts)
	}
	finalEvents := 0
	for _, ev := range events {
		if ev.Type == market.EventResolutionFinal {
			finalEvents++
		}
	}
	if finalEvents != 1 {
		t.Errorf("expected exactly one RESOLUTION_FINAL event, got %d", finalEvents)
	}
	for _, b := range next.Binaries {
		if b.Active {
			t.Errorf("expected every binary inactive after final resolution")
		}
	}
}

func TestRun_FinalPayoutWithMultiRoundDisabledPaysEveryNonWinner(t *testing.T) {
	s, p := freshState(t)
	p.MREnabled = false

	lookup := func(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num {
		switch {
		case outcomeIndex == 0 && side == enginestate.Yes:
			return map[string]fixedpoint.Num{"alice": d("50")}
		case outcomeIndex == 1 && side == enginestate.No:
			return map[string]fixedpoint.Num{"bob": d("30")}
		case outcomeIndex == 2 && side == enginestate.No:
			return map[string]fixedpoint.Num{"bob": d("20")}
		default:
			return map[string]fixedpoint.Num{}
		}
	}

	payouts, _, _, err := Run(s, p, Mode{Final: true, Winner: 0}, lookup, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payouts["alice"].Equal(d("50")) {
		t.Errorf("expected alice paid 50, got %s", payouts["alice"])
	}
	if !payouts["bob"].Equal(d("50")) {
		t.Errorf("expected bob paid 30+20=50 across both eliminated outcomes, got %s", payouts["bob"])
	}
}

func TestRun_FinalPayoutCancelsRestingPools(t *testing.T) {
	s, p := freshState(t)
	b0, err := s.GetBinary(0)
	if err != nil {
		t.Fatalf("get binary: %v", err)
	}
	// A resting BUY limit pool: its collateral never became V and must be
	// refunded directly.
	buyKey := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Buy, Tick: 40, OptIn: false}
	lob.AddToPool(b0, buyKey, "carol", d("10"), p.Tick)

	// A resting SELL limit pool: its tokens must be unlocked and merged
	// into the payout alongside the host's own position ledger.
	sellKey := enginestate.PoolKey{Side: enginestate.Yes, Direction: enginestate.Sell, Tick: 60, OptIn: false}
	lob.AddToPool(b0, sellKey, "dave", d("5"), p.Tick)

	b1, _ := s.GetBinary(1)
	b1.Active = false
	b2, _ := s.GetBinary(2)
	b2.Active = false

	lookup := func(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num {
		return map[string]fixedpoint.Num{}
	}

	payouts, next, _, err := Run(s, p, Mode{Final: true, Winner: 0}, lookup, 4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantRefund := fixedpoint.FromInt64(40).Mul(p.Tick).Mul(d("10")).Round(fixedpoint.AmountScale)
	if !payouts["carol"].Equal(wantRefund) {
		t.Errorf("expected carol's BUY pool collateral refunded as %s, got %s", wantRefund, payouts["carol"])
	}
	if !payouts["dave"].Equal(d("5")) {
		t.Errorf("expected dave's unlocked SELL pool tokens counted toward the YES payout, got %s", payouts["dave"])
	}

	winner, err := next.GetBinary(0)
	if err != nil {
		t.Fatalf("get winner: %v", err)
	}
	if len(winner.Pools) != 0 {
		t.Errorf("expected every resting pool canceled, got %d remaining", len(winner.Pools))
	}
}

func TestRun_EliminationRejectsAlreadyInactiveOutcome(t *testing.T) {
	s, p := freshState(t)
	b1, _ := s.GetBinary(1)
	b1.Active = false

	_, _, _, err := Run(s, p, Mode{Eliminate: []int{1}}, noopLookup, 0)
	if err == nil {
		t.Fatalf("expected an error eliminating an already-inactive outcome")
	}
}
