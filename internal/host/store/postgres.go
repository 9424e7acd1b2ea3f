package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/outcome-engine/internal/market"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. State is stored as a single JSON blob column, exactly the
// canonical wire form enginestate.Serialize produces — the relational
// schema never decomposes fixed-point fields into NUMERIC columns, so
// there is no lossy round-trip through a second decimal representation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveState(ctx context.Context, marketID string, stateJSON []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_states (market_id, state)
		 VALUES ($1, $2)
		 ON CONFLICT (market_id) DO UPDATE SET state = $2, updated_at = now()`,
		marketID, stateJSON)
	return err
}

func (s *PostgresStore) LoadState(ctx context.Context, marketID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM engine_states WHERE market_id = $1`, marketID).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", marketID, err)
	}
	return data, nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, marketID string, events []market.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO engine_events (market_id, event_type, ts_ms, payload)
			 VALUES ($1, $2, $3, $4)`,
			marketID, string(ev.Type), ev.TsMs, payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, marketID string) ([]EventLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, event_type, ts_ms, payload
		 FROM engine_events WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		var seq int64
		var eventType string
		var tsMs int64
		var payload []byte
		if err := rows.Scan(&seq, &eventType, &tsMs, &payload); err != nil {
			return nil, err
		}
		var p map[string]any
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		out = append(out, EventLogEntry{
			MarketID: marketID,
			Seq:      seq,
			Event:    market.Event{Type: market.EventType(eventType), TsMs: tsMs, Payload: p},
		})
	}
	return out, rows.Err()
}
