// Package positions implements the positions-lookup collaborator named
// in spec §6: a pure aggregation of every committed fill into
// per-user, per-outcome, per-side token balances, generalized from
// store.MemoryStore.GetUserPositions's YES/NO-per-market ledger scan to
// YES_i/NO_i-per-outcome.
package positions

import (
	"sync"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/resolution"
)

// Ledger accumulates fills for one market and answers
// resolution.PositionsLookup queries against the running total. It is
// safe for concurrent use; the host's batch scheduler calls Record
// after every apply_orders call and Lookup is handed straight to
// Market.Resolve.
type Ledger struct {
	mu      sync.RWMutex
	// balances[outcome][side][userID] is the net token balance.
	balances map[int]map[enginestate.Side]map[string]fixedpoint.Num
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: map[int]map[enginestate.Side]map[string]fixedpoint.Num{}}
}

// Record folds every fill's buyer/seller legs into the running
// balances. System counterparty ids (SYSTEM:AMM, SYSTEM:AUTOFILL,
// SYSTEM:LOB_POOL) are skipped — their side of a trade has no token
// balance of its own, it is mirrored in the binary's q_yes/q_no fields
// instead.
func (l *Ledger) Record(fills []market.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range fills {
		l.credit(f.OutcomeIndex, f.Side, f.Buyer, f.Size)
		l.credit(f.OutcomeIndex, f.Side, f.Seller, f.Size.Neg())
	}
}

func (l *Ledger) credit(outcome int, side enginestate.Side, userID string, delta fixedpoint.Num) {
	switch userID {
	case market.SystemAMM, market.SystemAutofill, market.SystemLOBPool, "":
		return
	}
	if l.balances[outcome] == nil {
		l.balances[outcome] = map[enginestate.Side]map[string]fixedpoint.Num{}
	}
	if l.balances[outcome][side] == nil {
		l.balances[outcome][side] = map[string]fixedpoint.Num{}
	}
	bucket := l.balances[outcome][side]
	if existing, ok := bucket[userID]; ok {
		bucket[userID] = existing.Add(delta)
	} else {
		bucket[userID] = delta
	}
}

// Lookup implements resolution.PositionsLookup: it returns only
// strictly positive balances, since a resolution payout never owes a
// negative holding.
func (l *Ledger) Lookup(outcomeIndex int, side enginestate.Side) map[string]fixedpoint.Num {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[string]fixedpoint.Num{}
	for userID, amt := range l.balances[outcomeIndex][side] {
		if amt.IsPositive() {
			out[userID] = amt
		}
	}
	return out
}

// UserPositions returns every positive balance one user holds, indexed
// by outcome and side, for portfolio-style queries.
func (l *Ledger) UserPositions(userID string) map[int]map[enginestate.Side]fixedpoint.Num {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[int]map[enginestate.Side]fixedpoint.Num{}
	for outcome, bySide := range l.balances {
		for side, byUser := range bySide {
			amt, ok := byUser[userID]
			if !ok || !amt.IsPositive() {
				continue
			}
			if out[outcome] == nil {
				out[outcome] = map[enginestate.Side]fixedpoint.Num{}
			}
			out[outcome][side] = amt
		}
	}
	return out
}

var _ resolution.PositionsLookup = (*Ledger)(nil).Lookup
