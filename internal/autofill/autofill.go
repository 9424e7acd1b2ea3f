// Package autofill implements the bounded binary-search auto-fill pass
// that runs after every committed AMM leg: it lets opt-in LIMIT pools
// sitting on the wrong side of a cross-impact price drift trade against
// the AMM's own curve, splitting the resulting surplus between the
// system and the pool's users. Grounded in app/engine/autofill.py's
// binary_search_max_delta/update_pool_and_get_deltas/apply_rebates.
package autofill

import (
	"sort"

	"github.com/atmx/outcome-engine/internal/amm"
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/impact"
	"github.com/atmx/outcome-engine/internal/lob"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

// maxBinarySearchIterations bounds the per-pool search for the largest Δ
// that keeps the post-trade price on the feasible side of the pool's
// resting tick (spec §4.7).
const maxBinarySearchIterations = 20

// Rebate is one user's pro-rata share of a pool's (1-σ) surplus payout,
// returned so the caller's position ledger can credit it directly —
// seigniorage's σ share is booked into the binary's V/Seigniorage
// fields and needs no separate ledger entry.
type Rebate struct {
	OutcomeIndex int
	UserID       string
	Amount       fixedpoint.Num
}

// Result aggregates everything one auto-fill pass produced.
type Result struct {
	Fills   []market.Fill
	Events  []market.Event
	Rebates []Rebate
}

// Run walks every diversion the preceding impact.Apply call produced
// (already ascending by outcome index), and for each one probes its
// opt-in pools on both sides for exploitable drift, most-favorable-tick
// first, until af_max_pools total fills have been made or no more
// pools qualify. It mutates s in place; the caller is responsible for
// validating/rolling back the resulting state like any other pipeline
// step.
func Run(s *enginestate.EngineState, p params.EngineParams, eff params.Effective, diversions []impact.Diversion, tsMs int64, nextTradeID func() string) (Result, error) {
	var res Result
	if !p.AFEnabled || p.AFMaxPools <= 0 {
		return res, nil
	}
	filled := 0
	for _, d := range diversions {
		if filled >= p.AFMaxPools {
			break
		}
		if d.DeltaV.IsZero() {
			continue
		}
		b, err := s.GetBinary(d.OutcomeIndex)
		if err != nil {
			return res, err
		}
		isBuy := d.DeltaV.IsPositive()
		absD := d.DeltaV.Abs()
		fi := params.ComputeFi(eff.Zeta, s.NActive())
		// One shared surplus budget per diverted binary, decremented as pools
		// are filled rather than recomputed per pool: spec's af_max_surplus
		// cap is on the total surplus across all auto-fills this diversion
		// triggers, not a fresh cap per qualifying pool.
		remainingSurplus := p.AFMaxSurplus.Mul(absD).Round(fixedpoint.AmountScale)

		for _, side := range []enginestate.Side{enginestate.Yes, enginestate.No} {
			if filled >= p.AFMaxPools || !remainingSurplus.IsPositive() {
				break
			}
			candidates := eligiblePools(b, side, isBuy)
			for _, key := range candidates {
				if filled >= p.AFMaxPools || !remainingSurplus.IsPositive() {
					break
				}
				fill, surplusUsed, rebates, events, err := fillOnePool(b, p, eff, fi, key, side, isBuy, absD, remainingSurplus, tsMs, nextTradeID)
				if err != nil {
					return res, err
				}
				if fill == nil {
					continue
				}
				res.Fills = append(res.Fills, *fill)
				res.Rebates = append(res.Rebates, rebates...)
				res.Events = append(res.Events, events...)
				remainingSurplus = remainingSurplus.Sub(surplusUsed).Round(fixedpoint.AmountScale)
				filled++
			}
		}
	}
	return res, nil
}

// eligiblePools returns the opt-in pools a trigger of the given
// direction may exploit on side, most-favorable-tick first: auto-buy
// (price drifted down) probes every opt-in SELL pool, highest tick
// first; auto-sell probes every opt-in BUY pool, lowest tick first. No
// pool is filtered by the current price here; fillOnePool finds no
// feasible size for a pool on the wrong side of it.
func eligiblePools(b *enginestate.BinaryState, side enginestate.Side, isBuy bool) []enginestate.PoolKey {
	dir := enginestate.Sell
	if !isBuy {
		dir = enginestate.Buy
	}
	var out []enginestate.PoolKey
	for _, k := range b.SortedPoolKeys() {
		if k.Side != side || k.Direction != dir || !k.OptIn {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if isBuy {
			return out[i].Tick > out[j].Tick
		}
		return out[i].Tick < out[j].Tick
	})
	return out
}

// fillOnePool runs the bounded binary search for pool key, and if it
// clears a positive, capped surplus, commits the AMM-equivalent leg,
// the seigniorage split and the pool's LOB-side fill. It returns a nil
// fill when nothing can be profitably filled at this tick. surplusBudget
// is what's left of the diversion's shared af_max_surplus·|D_j| cap;
// the returned surplus is whatever this pool actually consumed from it.
func fillOnePool(b *enginestate.BinaryState, p params.EngineParams, eff params.Effective, fi fixedpoint.Num, key enginestate.PoolKey, side enginestate.Side, isBuy bool, absD, surplusBudget fixedpoint.Num, tsMs int64, nextTradeID func() string) (*market.Fill, fixedpoint.Num, []Rebate, []market.Event, error) {
	if !surplusBudget.IsPositive() {
		return nil, fixedpoint.Zero(), nil, nil, nil
	}
	tickPrice := lob.TickPrice(key.Tick, p.Tick)

	quoteAt := func(delta fixedpoint.Num) (fixedpoint.Num, fixedpoint.Num, error) {
		var q amm.Quote
		var err error
		switch {
		case side == enginestate.Yes && isBuy:
			q, err = amm.BuyYes(b, eff, p, fi, delta)
		case side == enginestate.Yes && !isBuy:
			q, err = amm.SellYes(b, eff, p, fi, delta)
		case side == enginestate.No && isBuy:
			q, err = amm.BuyNo(b, eff, p, fi, delta)
		default:
			q, err = amm.SellNo(b, eff, p, fi, delta)
		}
		if err != nil {
			return fixedpoint.Zero(), fixedpoint.Zero(), err
		}
		return q.X, q.PPrime, nil
	}

	capFrac := p.AFCapFrac.Mul(absD)
	upperBound, err := fixedpoint.SafeDivide(capFrac, tickPrice)
	if err != nil {
		return nil, fixedpoint.Zero(), nil, nil, err
	}
	upperBound = upperBound.Round(fixedpoint.AmountScale)
	poolCap := lob.PoolTokenCapacity(b, key, p.Tick)
	upperBound = fixedpoint.Min(upperBound, poolCap)
	if !upperBound.IsPositive() {
		return nil, fixedpoint.Zero(), nil, nil, nil
	}

	feasible := func(delta fixedpoint.Num) bool {
		if !delta.IsPositive() {
			return true
		}
		_, pPrime, err := quoteAt(delta)
		if err != nil {
			return false
		}
		if isBuy {
			return pPrime.LessThanOrEqual(tickPrice)
		}
		return pPrime.GreaterThanOrEqual(tickPrice)
	}

	maxDelta := upperBound
	if !feasible(upperBound) {
		lo, hi := fixedpoint.Zero(), upperBound
		for i := 0; i < maxBinarySearchIterations; i++ {
			mid, err := lo.Add(hi).Div(fixedpoint.FromInt64(2))
			if err != nil {
				break
			}
			mid = mid.Round(fixedpoint.AmountScale)
			if feasible(mid) {
				lo = mid
			} else {
				hi = mid
			}
		}
		maxDelta = lo
	}
	if !maxDelta.IsPositive() {
		return nil, fixedpoint.Zero(), nil, nil, nil
	}

	xAmm, _, err := quoteAt(maxDelta)
	if err != nil {
		return nil, fixedpoint.Zero(), nil, nil, err
	}
	charge := tickPrice.Mul(maxDelta).Round(fixedpoint.AmountScale)

	var surplus fixedpoint.Num
	if isBuy {
		surplus = charge.Sub(xAmm)
	} else {
		surplus = xAmm.Sub(charge)
	}
	surplus = surplus.Round(fixedpoint.AmountScale)
	if !surplus.IsPositive() {
		return nil, fixedpoint.Zero(), nil, nil, nil
	}

	if surplus.GreaterThan(surplusBudget) {
		surplus = surplusBudget
	}

	sign := fixedpoint.FromInt64(1)
	if !isBuy {
		sign = fixedpoint.FromInt64(-1)
	}
	b.QYes, b.QNo = adjustQSide(b, side, sign, maxDelta)

	captured := p.Sigma.Mul(surplus).Round(fixedpoint.AmountScale)
	rebatePool := surplus.Sub(captured)
	b.V = b.V.Add(captured).Round(fixedpoint.AmountScale)
	b.Seigniorage = b.Seigniorage.Add(captured).Round(fixedpoint.AmountScale)
	if err := enginestate.RecomputeSubsidy(b, p); err != nil {
		return nil, fixedpoint.Zero(), nil, nil, err
	}

	consumed := lob.ConsumeProRata(b, key, maxDelta, p.Tick)
	rebates := rebatesFor(b.OutcomeIndex, consumed, maxDelta, rebatePool)

	tick := key.Tick
	buyer, seller := market.SystemAutofill, market.SystemLOBPool
	if !isBuy {
		buyer, seller = market.SystemLOBPool, market.SystemAutofill
	}
	fill := &market.Fill{
		TradeID:      nextTradeID(),
		Buyer:        buyer,
		Seller:       seller,
		OutcomeIndex: b.OutcomeIndex,
		Side:         side,
		Price:        tickPrice,
		Size:         maxDelta,
		Fee:          fixedpoint.Zero(),
		FillType:     market.FillAutofill,
		TickID:       &tick,
		TsMs:         tsMs,
	}

	events := []market.Event{{
		Type: market.EventAutoFill,
		TsMs: tsMs,
		Payload: map[string]any{
			"outcome_i": b.OutcomeIndex,
			"side":      side.String(),
			"tick":      key.Tick,
			"size":      maxDelta.String(),
			"x_amm":     xAmm.String(),
			"charge":    charge.String(),
			"surplus":   surplus.String(),
			"captured":  captured.String(),
		},
	}}
	return fill, surplus, rebates, events, nil
}

// adjustQSide mints/burns maxDelta tokens on the named side in the
// AMM-equivalent direction, leaving the other side's quantity
// untouched — the "q_side_j adjusts for one side, not both" rule spec
// §4.7 calls out to distinguish auto-fill from cross-match.
func adjustQSide(b *enginestate.BinaryState, side enginestate.Side, sign, delta fixedpoint.Num) (qYes, qNo fixedpoint.Num) {
	qYes, qNo = b.QYes, b.QNo
	if side == enginestate.Yes {
		qYes = qYes.Add(sign.Mul(delta)).Round(fixedpoint.AmountScale)
	} else {
		qNo = qNo.Add(sign.Mul(delta)).Round(fixedpoint.AmountScale)
	}
	return qYes, qNo
}

// rebatesFor splits rebatePool pro-rata across the users consumed out
// of the pool (by the token amount ConsumeProRata already took from
// each), in lexicographic user-id order, assigning the residual to the
// last user so the sum is exact.
func rebatesFor(outcome int, consumed map[string]fixedpoint.Num, totalConsumed, rebatePool fixedpoint.Num) []Rebate {
	if len(consumed) == 0 || !rebatePool.IsPositive() {
		return nil
	}
	ids := make([]string, 0, len(consumed))
	for id := range consumed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ratio, err := fixedpoint.SafeDivide(rebatePool, totalConsumed)
	if err != nil {
		return nil
	}
	out := make([]Rebate, 0, len(ids))
	running := fixedpoint.Zero()
	for i, id := range ids {
		var amt fixedpoint.Num
		if i == len(ids)-1 {
			amt = rebatePool.Sub(running)
		} else {
			amt = consumed[id].Mul(ratio).Round(fixedpoint.AmountScale)
			running = running.Add(amt)
		}
		out = append(out, Rebate{OutcomeIndex: outcome, UserID: id, Amount: amt})
	}
	return out
}
