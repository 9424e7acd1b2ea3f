// Package engine is the facade the host binds to: it owns nothing the
// pure core doesn't already own, but gives apply_orders and
// trigger_resolution the two concrete, exposed entry points spec §6
// names, with the per-market mutual exclusion a concurrent host needs
// around a value the core itself never locks.
package engine

import (
	"sync"

	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
	"github.com/atmx/outcome-engine/internal/pipeline"
	"github.com/atmx/outcome-engine/internal/resolution"
)

// Market pairs one EngineState with the params that produced it and a
// mutex serializing every apply_orders/trigger_resolution call against
// it — the host's batch scheduler and resolution timer share the same
// lock per spec §5's "never two concurrent apply_orders/
// trigger_resolution calls against the same market" rule.
type Market struct {
	ID     string
	Params params.EngineParams

	mu    sync.Mutex
	state *enginestate.EngineState
}

// NewMarket initializes a fresh Market per spec §4.3.
func NewMarket(id string, p params.EngineParams) (*Market, error) {
	s, err := enginestate.Init(p)
	if err != nil {
		return nil, err
	}
	return &Market{ID: id, Params: p, state: s}, nil
}

// FromState wraps an already-initialized/deserialized state, e.g. one
// loaded from a store.
func FromState(id string, p params.EngineParams, s *enginestate.EngineState) *Market {
	return &Market{ID: id, Params: p, state: s}
}

// FromSerializedState deserializes a canonical state blob (as produced
// by enginestate.Serialize and persisted by a host store) and wraps it
// as a live Market.
func FromSerializedState(id string, p params.EngineParams, blob []byte) (*Market, error) {
	s, err := enginestate.Deserialize(blob)
	if err != nil {
		return nil, err
	}
	return &Market{ID: id, Params: p, state: s}, nil
}

// Snapshot returns the current state under the market's lock, safe to
// serialize or hand to a read-only caller.
func (m *Market) Snapshot() *enginestate.EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// ApplyOrders runs apply_orders against the market's live state and, on
// success, commits the result as the new live state.
func (m *Market) ApplyOrders(orders []market.Order, tNowMs int64) ([]market.Fill, []market.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fills, next, events, err := pipeline.ApplyOrders(m.state, orders, m.Params, tNowMs)
	if err != nil {
		return nil, nil, err
	}
	m.state = next
	return fills, events, nil
}

// Resolve runs trigger_resolution against the market's live state and,
// on success, commits the result as the new live state.
func (m *Market) Resolve(mode resolution.Mode, lookup resolution.PositionsLookup, tsMs int64) (map[string]fixedpoint.Num, []market.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payouts, next, events, err := resolution.Run(m.state, m.Params, mode, lookup, tsMs)
	if err != nil {
		return nil, nil, err
	}
	m.state = next
	return payouts, events, nil
}
