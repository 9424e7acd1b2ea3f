// Package store defines the persistence interface for the engine host:
// PostgreSQL holds the serialized state and event log as the source of
// truth, Redis provides a read-through cache of the latest state per
// market, and an in-memory implementation serves tests and local
// development — grounded in store.Store's three-tier split, generalized
// from per-market SQL columns to a single canonical JSON blob per
// spec §6's wire contract.
package store

import (
	"context"

	"github.com/atmx/outcome-engine/internal/market"
)

// EventLogEntry is one persisted event row, tagged with the market and
// call it came from so a host can replay a market's history.
type EventLogEntry struct {
	MarketID string
	Seq      int64
	Event    market.Event
}

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer in front of it.
type Store interface {
	// SaveState persists the canonical serialized EngineState for a
	// market, overwriting whatever was there before.
	SaveState(ctx context.Context, marketID string, stateJSON []byte) error

	// LoadState retrieves the most recently saved state for a market.
	LoadState(ctx context.Context, marketID string) ([]byte, error)

	// AppendEvents appends one apply_orders/trigger_resolution call's
	// events to the market's event log, in order.
	AppendEvents(ctx context.Context, marketID string, events []market.Event) error

	// ListEvents returns every logged event for a market, in the order
	// they were appended.
	ListEvents(ctx context.Context, marketID string) ([]EventLogEntry, error)
}
