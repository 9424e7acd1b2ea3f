package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/outcome-engine/internal/market"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache of the latest serialized state per market.
// Writes go to the primary and then overwrite the cached copy with the
// new state (with the configured TTL); state reads check
// Redis first and fall back to the primary on a miss.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) SaveState(ctx context.Context, marketID string, stateJSON []byte) error {
	if err := s.primary.SaveState(ctx, marketID, stateJSON); err != nil {
		return err
	}
	s.rdb.Set(ctx, stateKey(marketID), stateJSON, s.ttl)
	return nil
}

func (s *CachedStore) LoadState(ctx context.Context, marketID string) ([]byte, error) {
	if data, err := s.rdb.Get(ctx, stateKey(marketID)).Bytes(); err == nil {
		return data, nil
	}

	data, err := s.primary.LoadState(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, stateKey(marketID), data, s.ttl)
	return data, nil
}

func (s *CachedStore) AppendEvents(ctx context.Context, marketID string, events []market.Event) error {
	return s.primary.AppendEvents(ctx, marketID, events)
}

func (s *CachedStore) ListEvents(ctx context.Context, marketID string) ([]EventLogEntry, error) {
	return s.primary.ListEvents(ctx, marketID)
}

func stateKey(marketID string) string { return "engine:state:" + marketID }
