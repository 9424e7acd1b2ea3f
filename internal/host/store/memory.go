package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/outcome-engine/internal/market"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and local development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
	events map[string][]EventLogEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string][]byte),
		events: make(map[string][]EventLogEntry),
	}
}

func (s *MemoryStore) SaveState(_ context.Context, marketID string, stateJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(stateJSON))
	copy(cp, stateJSON)
	s.states[marketID] = cp
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, marketID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.states[marketID]
	if !ok {
		return nil, fmt.Errorf("market %s has no saved state", marketID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, marketID string, events []market.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[marketID]))
	for _, ev := range events {
		s.events[marketID] = append(s.events[marketID], EventLogEntry{MarketID: marketID, Seq: seq, Event: ev})
		seq++
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, marketID string) ([]EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventLogEntry, len(s.events[marketID]))
	copy(out, s.events[marketID])
	return out, nil
}
