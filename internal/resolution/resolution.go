// Package resolution implements trigger_resolution: phased intermediate
// elimination with freed-liquidity redistribution and YES-price
// renormalization, and final payout. Grounded in
// app/engine/resolutions.py, extended per spec.md's Open Question O4
// (the original leaves unfilled-limit distribution at final resolution
// stubbed; this package cancels every resting pool first) and
// supplemented with the single-shot NO payout final resolution needs
// when multi-round resolution is disabled.
package resolution

import (
	"sort"

	"github.com/atmx/outcome-engine/internal/engineerr"
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

// PositionsLookup returns token holdings per user for one (outcome,
// side) at the instant of the call. It must be pure: the engine never
// observes a side effect from it.
type PositionsLookup func(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num

// Mode selects final payout (Final=true, Winner set) or intermediate
// elimination (Final=false, Eliminate set).
type Mode struct {
	Final     bool
	Winner    int
	Eliminate []int
}

// Run executes trigger_resolution (spec §4.9). It never mutates s; on
// success it returns a new state, leaving s as the untouched entry
// snapshot, matching the rollback discipline apply_orders also follows.
func Run(s *enginestate.EngineState, p params.EngineParams, mode Mode, lookup PositionsLookup, tsMs int64) (map[string]fixedpoint.Num, *enginestate.EngineState, []market.Event, error) {
	if !mode.Final && !p.MREnabled {
		return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonResolutionSchema, Detail: "intermediate resolution requires mr_enabled"}
	}

	working := s.Clone()
	payouts := map[string]fixedpoint.Num{}
	var events []market.Event

	if mode.Final {
		creditBuyPoolRefunds(working, p, payouts)
		unlocked := cancelAllPools(working)

		if !p.MREnabled {
			for _, b := range working.ActiveAscending() {
				if b.OutcomeIndex == mode.Winner {
					continue
				}
				holdings := mergeHoldings(lookup(b.OutcomeIndex, enginestate.No), unlocked[b.OutcomeIndex][enginestate.No])
				total := sumHoldings(holdings)
				if total.GreaterThan(b.L) {
					return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonSolvency, Detail: "NO payout exceeds L at final resolution"}
				}
				creditAll(payouts, holdings)
				b.V = b.V.Sub(total).Round(fixedpoint.AmountScale)
			}
		}

		winner, err := working.GetBinary(mode.Winner)
		if err != nil {
			return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonResolutionSchema, Detail: err.Error()}
		}
		holdings := mergeHoldings(lookup(mode.Winner, enginestate.Yes), unlocked[mode.Winner][enginestate.Yes])
		totalYes := sumHoldings(holdings)
		if totalYes.GreaterThan(winner.L) {
			return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonSolvency, Detail: "YES payout exceeds L at final resolution"}
		}
		creditAll(payouts, holdings)
		winner.V = winner.V.Sub(totalYes).Round(fixedpoint.AmountScale)

		for _, b := range working.Binaries {
			b.Active = false
		}
		if err := enginestate.RecomputeAllSubsidies(working, p); err != nil {
			return nil, s, nil, err
		}
		events = append(events, market.Event{Type: market.EventResolutionFinal, TsMs: tsMs, Payload: map[string]any{
			"winner":       mode.Winner,
			"payout_total": totalYes.String(),
		}})
		return roundPayouts(payouts), working, events, nil
	}

	elim := append([]int{}, mode.Eliminate...)
	sort.Ints(elim)

	preSumYes, err := working.SumPYes()
	if err != nil {
		return nil, s, nil, err
	}
	working.PreSumYes = preSumYes

	freedTotal := fixedpoint.Zero()
	for _, outcome := range elim {
		b, err := working.GetBinary(outcome)
		if err != nil {
			return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonResolutionSchema, Detail: err.Error()}
		}
		if !b.Active {
			return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonAlreadyInactive, Detail: "outcome already eliminated"}
		}
		holdings := lookup(outcome, enginestate.No)
		total := sumHoldings(holdings)
		if total.GreaterThan(b.L) {
			return nil, s, nil, &engineerr.ResolutionError{Reason: engineerr.ReasonSolvency, Detail: "NO payout exceeds L at elimination"}
		}
		creditAll(payouts, holdings)

		oldL := b.L
		b.V = b.V.Sub(total).Round(fixedpoint.AmountScale)
		b.Active = false
		if err := enginestate.RecomputeSubsidy(b, p); err != nil {
			return nil, s, nil, err
		}
		freed := oldL.Sub(total).Round(fixedpoint.AmountScale)
		freedTotal = freedTotal.Add(freed)

		events = append(events, market.Event{Type: market.EventElimination, TsMs: tsMs, Payload: map[string]any{
			"outcome_i":    outcome,
			"payout_total": total.String(),
			"freed":        freed.String(),
		}})
	}

	remaining := working.ActiveAscending()
	if len(remaining) > 0 && freedTotal.IsPositive() {
		added, err := fixedpoint.SafeDivide(freedTotal, fixedpoint.FromInt64(int64(len(remaining))))
		if err != nil {
			return nil, s, nil, err
		}
		added = added.Round(fixedpoint.AmountScale)
		for _, b := range remaining {
			b.V = b.V.Add(added).Round(fixedpoint.AmountScale)
		}
		if err := enginestate.RecomputeAllSubsidies(working, p); err != nil {
			return nil, s, nil, err
		}
	}

	var cappedOutcomes []int
	realizedSum := fixedpoint.Zero()
	postSum, err := sumPYesOf(remaining)
	if err != nil {
		return nil, s, nil, err
	}
	if postSum.IsPositive() {
		for _, b := range remaining {
			oldP, err := b.PYes()
			if err != nil {
				return nil, s, nil, err
			}
			ratio, err := fixedpoint.SafeDivide(oldP, postSum)
			if err != nil {
				return nil, s, nil, err
			}
			targetP := ratio.Mul(working.PreSumYes)
			virtual := targetP.Mul(b.L).Sub(b.QYes)
			if p.VCEnabled && virtual.IsNegative() {
				virtual = fixedpoint.Zero()
				cappedOutcomes = append(cappedOutcomes, b.OutcomeIndex)
			}
			b.VirtualYes = virtual.Round(fixedpoint.AmountScale)
			newP, err := b.PYes()
			if err != nil {
				return nil, s, nil, err
			}
			realizedSum = realizedSum.Add(newP)
		}
	}

	events = append(events, market.Event{Type: market.EventRoundSummary, TsMs: tsMs, Payload: map[string]any{
		"pre_sum_yes":     working.PreSumYes.String(),
		"realized_sum":    realizedSum.String(),
		"capped":          len(cappedOutcomes) > 0,
		"capped_outcomes": cappedOutcomes,
	}})

	return roundPayouts(payouts), working, events, nil
}

func sumHoldings(m map[string]fixedpoint.Num) fixedpoint.Num {
	total := fixedpoint.Zero()
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

func creditAll(payouts map[string]fixedpoint.Num, holdings map[string]fixedpoint.Num) {
	ids := make([]string, 0, len(holdings))
	for id := range holdings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		addInto(payouts, id, holdings[id])
	}
}

func addInto(m map[string]fixedpoint.Num, id string, amount fixedpoint.Num) {
	if existing, ok := m[id]; ok {
		m[id] = existing.Add(amount)
	} else {
		m[id] = amount
	}
}

func mergeHoldings(a, b map[string]fixedpoint.Num) map[string]fixedpoint.Num {
	out := map[string]fixedpoint.Num{}
	for id, v := range a {
		addInto(out, id, v)
	}
	for id, v := range b {
		addInto(out, id, v)
	}
	return out
}

func sumPYesOf(bs []*enginestate.BinaryState) (fixedpoint.Num, error) {
	sum := fixedpoint.Zero()
	for _, b := range bs {
		p, err := b.PYes()
		if err != nil {
			return fixedpoint.Zero(), err
		}
		sum = sum.Add(p)
	}
	return sum, nil
}

func roundPayouts(payouts map[string]fixedpoint.Num) map[string]fixedpoint.Num {
	out := make(map[string]fixedpoint.Num, len(payouts))
	for id, v := range payouts {
		out[id] = v.Round(fixedpoint.AmountScale)
	}
	return out
}

// creditBuyPoolRefunds walks every resting BUY pool across every binary
// and credits its escrowed collateral straight to payouts — that
// collateral never became V, so returning it has no V/L effect.
func creditBuyPoolRefunds(s *enginestate.EngineState, p params.EngineParams, payouts map[string]fixedpoint.Num) {
	for _, b := range s.Binaries {
		for _, key := range b.SortedPoolKeys() {
			if key.Direction != enginestate.Buy {
				continue
			}
			pool := b.Pool(key, false)
			if pool == nil {
				continue
			}
			tickPrice := fixedpoint.FromInt64(key.Tick).Mul(p.Tick)
			ids := make([]string, 0, len(pool.Shares))
			for id := range pool.Shares {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				refund := pool.Shares[id].Mul(tickPrice).Round(fixedpoint.AmountScale)
				addInto(payouts, id, refund)
			}
		}
	}
}

// cancelAllPools removes every resting pool across every binary and
// returns the per-(outcome, side) tokens unlocked from canceled SELL
// pools, so final payout counts them alongside the host's own position
// ledger (Open Question O4).
func cancelAllPools(s *enginestate.EngineState) map[int]map[enginestate.Side]map[string]fixedpoint.Num {
	unlocked := map[int]map[enginestate.Side]map[string]fixedpoint.Num{}
	for _, b := range s.Binaries {
		for key, pool := range b.Pools {
			if key.Direction == enginestate.Sell {
				if unlocked[b.OutcomeIndex] == nil {
					unlocked[b.OutcomeIndex] = map[enginestate.Side]map[string]fixedpoint.Num{}
				}
				if unlocked[b.OutcomeIndex][key.Side] == nil {
					unlocked[b.OutcomeIndex][key.Side] = map[string]fixedpoint.Num{}
				}
				for user, share := range pool.Shares {
					addInto(unlocked[b.OutcomeIndex][key.Side], user, share)
				}
			}
		}
		b.Pools = map[enginestate.PoolKey]*enginestate.Pool{}
	}
	return unlocked
}
