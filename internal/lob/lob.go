// Package lob implements the tick-quantized limit order book: pool
// add/cancel, YES/NO cross-matching within a binary, and market-order
// walks against resting liquidity. Grounded in
// app/engine/lob_matching.py, with the three fixes spec.md's Open
// Questions O1-O3 require over that reference (q_yes/q_no update
// exactly as named, the live f_match parameter is always used, and the
// market-order leg's q-side update is left to the caller, who must do it
// at commit time for every fill).
package lob

import (
	"sort"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

var half = fixedpoint.MustFromString("0.5")

// TickPrice returns tick * tick_size.
func TickPrice(tick int64, tickSize fixedpoint.Num) fixedpoint.Num {
	return fixedpoint.FromInt64(tick).Mul(tickSize)
}

// AddToPool adds size to the pool at key, creating it lazily. BUY pools
// accumulate size*tick_price in Volume (committed collateral); SELL
// pools accumulate size in both Volume and the user's share (committed
// tokens) — spec §4.6.
func AddToPool(b *enginestate.BinaryState, key enginestate.PoolKey, user string, size, tickSize fixedpoint.Num) {
	pool := b.Pool(key, true)
	if existing, ok := pool.Shares[user]; ok {
		pool.Shares[user] = existing.Add(size)
	} else {
		pool.Shares[user] = size
	}
	recomputeVolume(pool, key, tickSize)
}

// CancelFromPool withdraws user's remaining share and returns the
// refund: collateral for a BUY pool, tokens for a SELL pool. A user not
// present in the pool yields a zero refund. The pool is removed once
// empty.
func CancelFromPool(b *enginestate.BinaryState, key enginestate.PoolKey, user string, tickSize fixedpoint.Num) fixedpoint.Num {
	pool := b.Pool(key, false)
	if pool == nil {
		return fixedpoint.Zero()
	}
	share, ok := pool.Shares[user]
	if !ok {
		return fixedpoint.Zero()
	}
	delete(pool.Shares, user)
	var refund fixedpoint.Num
	if key.Direction == enginestate.Buy {
		refund = share.Mul(TickPrice(key.Tick, tickSize)).Round(fixedpoint.AmountScale)
	} else {
		refund = share.Round(fixedpoint.AmountScale)
	}
	if len(pool.Shares) == 0 {
		delete(b.Pools, key)
	} else {
		recomputeVolume(pool, key, tickSize)
	}
	return refund
}

func recomputeVolume(pool *enginestate.Pool, key enginestate.PoolKey, tickSize fixedpoint.Num) {
	total := fixedpoint.Zero()
	for _, sh := range pool.Shares {
		total = total.Add(sh)
	}
	if key.Direction == enginestate.Buy {
		pool.Volume = total.Mul(TickPrice(key.Tick, tickSize)).Round(fixedpoint.AmountScale)
	} else {
		pool.Volume = total.Round(fixedpoint.AmountScale)
	}
}

// sortedUserIDs returns a pool's user ids in lexicographic order — the
// deterministic tie-break spec §4.7 specifies for rebate distribution,
// reused here for cross-match and market-vs-LOB consumption too so every
// multi-user pool split is reproducible byte-for-byte.
func sortedUserIDs(pool *enginestate.Pool) []string {
	ids := make([]string, 0, len(pool.Shares))
	for id := range pool.Shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConsumeProRata removes tokensToConsume tokens worth of share from pool
// pro-rata across its users (by lexicographic id for determinism),
// assigning any half-to-even rounding residue to the last user so the
// sum of consumed amounts is exact. It returns the amount consumed per
// user and recomputes Volume directly from the remaining shares, so the
// BUY/SELL volume invariant never drifts.
func ConsumeProRata(b *enginestate.BinaryState, key enginestate.PoolKey, tokensToConsume, tickSize fixedpoint.Num) map[string]fixedpoint.Num {
	pool := b.Pool(key, false)
	consumed := map[string]fixedpoint.Num{}
	if pool == nil || !tokensToConsume.IsPositive() {
		return consumed
	}
	total := fixedpoint.Zero()
	for _, sh := range pool.Shares {
		total = total.Add(sh)
	}
	if !total.IsPositive() {
		return consumed
	}
	ratio, err := fixedpoint.SafeDivide(tokensToConsume, total)
	if err != nil {
		return consumed
	}
	ids := sortedUserIDs(pool)
	running := fixedpoint.Zero()
	for i, id := range ids {
		share := pool.Shares[id]
		var amt fixedpoint.Num
		if i == len(ids)-1 {
			amt = tokensToConsume.Sub(running)
		} else {
			amt = share.Mul(ratio).Round(fixedpoint.AmountScale)
			running = running.Add(amt)
		}
		amt = fixedpoint.Min(amt, share)
		consumed[id] = amt
		newShare := share.Sub(amt)
		if newShare.IsZero() {
			delete(pool.Shares, id)
		} else {
			pool.Shares[id] = newShare
		}
	}
	if len(pool.Shares) == 0 {
		delete(b.Pools, key)
	} else {
		recomputeVolume(pool, key, tickSize)
	}
	return consumed
}

func PoolTokenCapacity(b *enginestate.BinaryState, key enginestate.PoolKey, tickSize fixedpoint.Num) fixedpoint.Num {
	pool := b.Pool(key, false)
	if pool == nil {
		return fixedpoint.Zero()
	}
	if key.Direction == enginestate.Buy {
		tokens, err := fixedpoint.SafeDivide(pool.Volume, TickPrice(key.Tick, tickSize))
		if err != nil {
			return fixedpoint.Zero()
		}
		return tokens.Round(fixedpoint.AmountScale)
	}
	return pool.Volume
}

// extremeNonEmpty scans a binary's sorted pool keys for the highest
// (highest=true) or lowest tick among pools of the given side/direction
// with positive capacity remaining.
func extremeNonEmpty(b *enginestate.BinaryState, side enginestate.Side, dir enginestate.Direction, tickSize fixedpoint.Num, highest bool) (enginestate.PoolKey, bool) {
	var found enginestate.PoolKey
	ok := false
	for _, k := range b.SortedPoolKeys() {
		if k.Side != side || k.Direction != dir {
			continue
		}
		if PoolTokenCapacity(b, k, tickSize).IsZero() {
			continue
		}
		if !ok {
			found, ok = k, true
			continue
		}
		if highest && k.Tick > found.Tick {
			found = k
		} else if !highest && k.Tick < found.Tick {
			found = k
		}
	}
	return found, ok
}

// CrossMatch repeatedly pairs the most aggressive resting YES BUY tick
// against the most aggressive resting NO SELL tick while
// T*tick_size + T_no*tick_size >= 1 + f_match*(T+T_no)*tick_size/2
// (spec §4.6). Because that pair is the most favorable possible match,
// failure to clear it means no other pair can clear either, so the loop
// terminates the instant one comparison fails.
func CrossMatch(b *enginestate.BinaryState, prm params.EngineParams, tsMs int64, nextTradeID func() string) ([]market.Fill, []market.Event, error) {
	var fills []market.Fill
	var events []market.Event
	if !prm.CMEnabled {
		return fills, events, nil
	}
	for {
		yesKey, okY := extremeNonEmpty(b, enginestate.Yes, enginestate.Buy, prm.Tick, true)
		noKey, okN := extremeNonEmpty(b, enginestate.No, enginestate.Sell, prm.Tick, true)
		if !okY || !okN {
			break
		}
		tYes, tNo := fixedpoint.FromInt64(yesKey.Tick), fixedpoint.FromInt64(noKey.Tick)
		priceYes := TickPrice(yesKey.Tick, prm.Tick)
		priceNo := TickPrice(noKey.Tick, prm.Tick)
		lhs := priceYes.Add(priceNo)
		rhs := fixedpoint.FromInt64(1).Add(prm.FMatch.Mul(tYes.Add(tNo)).Mul(prm.Tick).Mul(half))
		if lhs.LessThan(rhs) {
			break
		}

		yesCap := PoolTokenCapacity(b, yesKey, prm.Tick)
		noCap := PoolTokenCapacity(b, noKey, prm.Tick)
		fillSize := fixedpoint.Min(yesCap, noCap)
		if !fillSize.IsPositive() {
			break
		}

		ConsumeProRata(b, yesKey, fillSize, prm.Tick)
		ConsumeProRata(b, noKey, fillSize, prm.Tick)

		fee := prm.FMatch.Mul(priceYes.Add(priceNo)).Mul(fillSize).Mul(half).Round(fixedpoint.AmountScale)
		gross := priceYes.Add(priceNo).Mul(fillSize).Round(fixedpoint.AmountScale)
		b.V = b.V.Add(gross.Sub(fee)).Round(fixedpoint.AmountScale)
		b.QYes = b.QYes.Add(fillSize).Round(fixedpoint.AmountScale)
		b.QNo = b.QNo.Add(fillSize).Round(fixedpoint.AmountScale)

		py := priceYes
		pn := priceNo
		tick := yesKey.Tick
		fills = append(fills, market.Fill{
			TradeID:      nextTradeID(),
			Buyer:        market.SystemLOBPool,
			Seller:       market.SystemLOBPool,
			OutcomeIndex: b.OutcomeIndex,
			Side:         enginestate.Yes,
			Price:        priceYes,
			Size:         fillSize,
			Fee:          fee,
			FillType:     market.FillCross,
			PriceYes:     &py,
			PriceNo:      &pn,
			TickID:       &tick,
			TsMs:         tsMs,
		})
		events = append(events, market.Event{
			Type: market.EventCrossMatch,
			TsMs: tsMs,
			Payload: map[string]any{
				"outcome_i": b.OutcomeIndex,
				"price_yes": priceYes.String(),
				"price_no":  priceNo.String(),
				"size":      fillSize.String(),
				"fee":       fee.String(),
			},
		})
	}
	return fills, events, nil
}

// MatchMarketAgainstLOB walks the opposing resting pools for a MARKET
// order: a buy walks SELL pools ascending tick (best price first for the
// buyer); a sell walks BUY pools descending tick. It returns the fills
// produced and the total size matched; the caller is responsible for
// crediting q_side at commit time for every fill (Open Question O3).
func MatchMarketAgainstLOB(b *enginestate.BinaryState, prm params.EngineParams, side enginestate.Side, isBuy bool, size fixedpoint.Num, userID string, tsMs int64, nextTradeID func() string) ([]market.Fill, fixedpoint.Num, error) {
	var fills []market.Fill
	remaining := size
	opposingDir := enginestate.Sell
	ascending := true
	if !isBuy {
		opposingDir = enginestate.Buy
		ascending = false
	}
	for remaining.IsPositive() {
		key, ok := extremeNonEmpty(b, side, opposingDir, prm.Tick, !ascending)
		if !ok {
			break
		}
		capacity := PoolTokenCapacity(b, key, prm.Tick)
		matched := fixedpoint.Min(capacity, remaining)
		if !matched.IsPositive() {
			break
		}
		ConsumeProRata(b, key, matched, prm.Tick)
		remaining = remaining.Sub(matched)

		price := TickPrice(key.Tick, prm.Tick)
		fee := prm.F.Mul(matched).Mul(price).Round(fixedpoint.AmountScale)
		tick := key.Tick
		buyer, seller := market.SystemLOBPool, market.SystemLOBPool
		if isBuy {
			buyer = userID
		} else {
			seller = userID
		}
		fills = append(fills, market.Fill{
			TradeID:      nextTradeID(),
			Buyer:        buyer,
			Seller:       seller,
			OutcomeIndex: b.OutcomeIndex,
			Side:         side,
			Price:        price,
			Size:         matched,
			Fee:          fee,
			FillType:     market.FillLOB,
			TickID:       &tick,
			TsMs:         tsMs,
		})
	}
	return fills, size.Sub(remaining), nil
}
