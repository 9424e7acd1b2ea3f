// Package pipeline implements apply_orders, the engine's sole
// order-processing entry point: LIMIT placement, cross-match, and
// MARKET execution against LOB-then-AMM with slippage-gated
// simulate-then-commit semantics. Grounded in app/engine/orders.py,
// restructured so every MARKET order runs against a scratch clone of
// the working state and only merges back once its slippage check and
// invariant validation both pass (spec's "commit both legs iff OK else
// commit neither", which the original left half-implemented).
package pipeline

import (
	"sort"
	"strconv"

	"github.com/atmx/outcome-engine/internal/amm"
	"github.com/atmx/outcome-engine/internal/autofill"
	"github.com/atmx/outcome-engine/internal/engineerr"
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/impact"
	"github.com/atmx/outcome-engine/internal/lob"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

// tradeIDSeq hands out deterministic, monotonically increasing trade
// ids scoped to a single apply_orders call, matching orders.py's
// str(len(fills)) counter but collision-free across every fill source
// (LOB, cross-match, AMM, auto-fill) feeding one sequence.
func tradeIDSeq() func() string {
	n := 0
	return func() string {
		id := strconv.Itoa(n)
		n++
		return id
	}
}

// ApplyOrders is the engine's order-processing entry point (spec §4.8).
// t_now_ms is the elapsed-ms clock value the host has already resolved
// against the relevant CONTINUE/RESET origin; the core never reads a
// clock of its own and simply forwards it to EffectiveAt.
func ApplyOrders(s *enginestate.EngineState, orders []market.Order, p params.EngineParams, tNowMs int64) ([]market.Fill, *enginestate.EngineState, []market.Event, error) {
	if err := enginestate.Validate(s, p); err != nil {
		return nil, s, nil, err
	}

	working := s.Clone()
	nextTradeID := tradeIDSeq()
	eff := p.EffectiveAt(tNowMs, working.NActive())

	var events []market.Event
	if eff.ZetaWarned {
		events = append(events, market.Event{Type: market.EventParamWarning, TsMs: tNowMs, Payload: map[string]any{
			"param": "zeta",
			"zeta":  eff.Zeta.String(),
		}})
	}

	sorted := make([]market.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TsMs != sorted[j].TsMs {
			return sorted[i].TsMs < sorted[j].TsMs
		}
		return sorted[i].OrderID < sorted[j].OrderID
	})

	var fills []market.Fill

	for _, o := range sorted {
		if o.Kind != market.Limit {
			continue
		}
		events = append(events, placeLimitOrder(working, o, p))
	}

	if p.CMEnabled {
		for _, b := range working.ActiveAscending() {
			cmFills, cmEvents, err := lob.CrossMatch(b, p, tNowMs, nextTradeID)
			if err != nil {
				return nil, s, nil, err
			}
			fills = append(fills, cmFills...)
			events = append(events, cmEvents...)
		}
	}

	for _, o := range sorted {
		if o.Kind != market.Market {
			continue
		}
		orderFills, orderEvents, nextWorking, err := processMarketOrder(working, o, p, eff, tNowMs, nextTradeID)
		if err != nil {
			if isFatal(err) {
				return nil, s, nil, err
			}
			events = append(events, orderEvents...)
			continue
		}
		if nextWorking == nil {
			events = append(events, orderEvents...)
			continue
		}
		working = nextWorking
		fills = append(fills, orderFills...)
		events = append(events, orderEvents...)
	}

	if err := enginestate.Validate(working, p); err != nil {
		return nil, s, nil, err
	}
	return fills, working, events, nil
}

func isFatal(err error) bool {
	switch err.(type) {
	case *engineerr.NumericError, *engineerr.InvariantViolation:
		return true
	default:
		return false
	}
}

func placeLimitOrder(working *enginestate.EngineState, o market.Order, p params.EngineParams) market.Event {
	b, err := working.GetBinary(o.OutcomeIndex)
	if err != nil || !b.Active {
		return rejected(o, engineerr.ReasonInactiveOutcome)
	}
	if !o.Size.IsPositive() {
		return rejected(o, engineerr.ReasonInvalidSize)
	}
	minPrice := p.PMin
	maxPrice := p.PMax
	if o.LimitPrice.LessThan(minPrice) || o.LimitPrice.GreaterThan(maxPrice) {
		return rejected(o, engineerr.ReasonInvalidLimitPrice)
	}
	tickNum, err := fixedpoint.SafeDivide(o.LimitPrice, p.Tick)
	if err != nil {
		return rejected(o, engineerr.ReasonInvalidLimitPrice)
	}
	tick, err := strconv.ParseInt(tickNum.Round(0).RawString(0), 10, 64)
	if err != nil {
		return rejected(o, engineerr.ReasonInvalidLimitPrice)
	}
	dir := enginestate.Buy
	if !o.IsBuy {
		dir = enginestate.Sell
	}
	key := enginestate.PoolKey{Side: o.Side, Direction: dir, Tick: tick, OptIn: o.AFOptIn}
	lob.AddToPool(b, key, o.UserID, o.Size, p.Tick)
	return market.Event{Type: market.EventOrderAccepted, TsMs: o.TsMs, Payload: map[string]any{
		"order_id": o.OrderID,
		"type":     "LIMIT",
	}}
}

func rejected(o market.Order, reason engineerr.Reason) market.Event {
	return market.Event{Type: market.EventOrderRejected, TsMs: o.TsMs, Payload: map[string]any{
		"order_id": o.OrderID,
		"reason":   string(reason),
	}}
}

// processMarketOrder runs o entirely against a scratch clone of
// working, so the LOB leg it matches and the AMM leg it may additionally
// require are committed together or not at all. It returns the fills
// and events produced and, on success, the new working state to carry
// forward; on a recoverable rejection it returns only the rejection
// event and a nil state (caller keeps its existing working state).
func processMarketOrder(working *enginestate.EngineState, o market.Order, p params.EngineParams, eff params.Effective, tNowMs int64, nextTradeID func() string) ([]market.Fill, []market.Event, *enginestate.EngineState, error) {
	b, err := working.GetBinary(o.OutcomeIndex)
	if err != nil || !b.Active {
		return nil, []market.Event{rejected(o, engineerr.ReasonInactiveOutcome)}, nil, nil
	}
	if !o.Size.IsPositive() {
		return nil, []market.Event{rejected(o, engineerr.ReasonInvalidSize)}, nil, nil
	}

	scratch := working.Clone()
	sb, err := scratch.GetBinary(o.OutcomeIndex)
	if err != nil {
		return nil, nil, nil, err
	}

	var currentP fixedpoint.Num
	if o.Side == enginestate.Yes {
		currentP, err = sb.PYes()
	} else {
		currentP, err = sb.PNo()
	}
	if err != nil {
		return nil, nil, nil, &engineerr.NumericError{Reason: engineerr.ReasonDivisionByZero, Detail: err.Error()}
	}

	lobFills, matched, err := lob.MatchMarketAgainstLOB(sb, p, o.Side, o.IsBuy, o.Size, o.UserID, tNowMs, nextTradeID)
	if err != nil {
		return nil, nil, nil, err
	}
	creditQSide(sb, o.Side, o.IsBuy, matched)

	remaining := o.Size.Sub(matched)
	var allFills []market.Fill
	allFills = append(allFills, lobFills...)
	var afResult autofill.Result

	if remaining.IsPositive() {
		fi := params.ComputeFi(eff.Zeta, scratch.NActive())
		quote, err := quoteAMM(sb, eff, p, fi, remaining, o.Side, o.IsBuy)
		if err != nil {
			return nil, nil, nil, err
		}

		slippage, err := slippageOf(currentP, quote.PPrime, o.IsBuy)
		if err != nil {
			return nil, nil, nil, err
		}
		if o.MaxSlippage != nil && slippage.GreaterThan(*o.MaxSlippage) {
			return nil, []market.Event{rejected(o, engineerr.ReasonSlippage)}, nil, nil
		}

		creditQSide(sb, o.Side, o.IsBuy, remaining)
		diversions, err := impact.Apply(scratch, p, eff, o.OutcomeIndex, fi, quote.X, o.IsBuy)
		if err != nil {
			return nil, nil, nil, err
		}
		afResult, err = autofill.Run(scratch, p, eff, diversions, tNowMs, nextTradeID)
		if err != nil {
			return nil, nil, nil, err
		}

		fee := p.F.Mul(remaining).Mul(quote.PPrime).Round(fixedpoint.AmountScale)
		buyer, seller := market.SystemAMM, market.SystemAMM
		if o.IsBuy {
			buyer = o.UserID
		} else {
			seller = o.UserID
		}
		allFills = append(allFills, market.Fill{
			TradeID:      nextTradeID(),
			Buyer:        buyer,
			Seller:       seller,
			OutcomeIndex: o.OutcomeIndex,
			Side:         o.Side,
			Price:        quote.PPrime,
			Size:         remaining,
			Fee:          fee,
			FillType:     market.FillAMM,
			TsMs:         tNowMs,
		})
		allFills = append(allFills, afResult.Fills...)
	}

	if err := enginestate.Validate(scratch, p); err != nil {
		return nil, nil, nil, err
	}

	events := append([]market.Event{}, afResult.Events...)
	events = append(events, market.Event{Type: market.EventFill, TsMs: tNowMs, Payload: map[string]any{"order_id": o.OrderID}})
	return allFills, events, scratch, nil
}

func creditQSide(b *enginestate.BinaryState, side enginestate.Side, isBuy bool, delta fixedpoint.Num) {
	if !delta.IsPositive() {
		return
	}
	sign := fixedpoint.FromInt64(1)
	if !isBuy {
		sign = fixedpoint.FromInt64(-1)
	}
	if side == enginestate.Yes {
		b.QYes = b.QYes.Add(sign.Mul(delta)).Round(fixedpoint.AmountScale)
	} else {
		b.QNo = b.QNo.Add(sign.Mul(delta)).Round(fixedpoint.AmountScale)
	}
}

func quoteAMM(b *enginestate.BinaryState, eff params.Effective, p params.EngineParams, fi, delta fixedpoint.Num, side enginestate.Side, isBuy bool) (amm.Quote, error) {
	switch {
	case side == enginestate.Yes && isBuy:
		return amm.BuyYes(b, eff, p, fi, delta)
	case side == enginestate.Yes && !isBuy:
		return amm.SellYes(b, eff, p, fi, delta)
	case side == enginestate.No && isBuy:
		return amm.BuyNo(b, eff, p, fi, delta)
	default:
		return amm.SellNo(b, eff, p, fi, delta)
	}
}

// slippageOf computes (p' - p)/p for a buy, (p - p')/p for a sell.
func slippageOf(before, after fixedpoint.Num, isBuy bool) (fixedpoint.Num, error) {
	var num fixedpoint.Num
	if isBuy {
		num = after.Sub(before)
	} else {
		num = before.Sub(after)
	}
	return fixedpoint.SafeDivide(num, before)
}
