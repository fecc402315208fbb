package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/fx-market/internal/model"
)

// MemoryStore implements Store with an in-memory slice. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.EventRecord
	ids    map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids: make(map[string]struct{}),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, rec *model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.ID)
	}
	s.ids[rec.ID] = struct{}{}
	s.events = append(s.events, *rec)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(s.events, limit, func(model.EventRecord) bool { return true }), nil
}

func (s *MemoryStore) ListEventsByKind(_ context.Context, kind model.Kind, limit int) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(s.events, limit, func(e model.EventRecord) bool { return e.Kind == kind }), nil
}

func (s *MemoryStore) GetEventsByToken(_ context.Context, token string) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return tail(s.events, 0, func(e model.EventRecord) bool { return e.Token == token }), nil
}

// tail returns copies of the last limit records matching keep, oldest first.
func tail(events []model.EventRecord, limit int, keep func(model.EventRecord) bool) []model.EventRecord {
	out := []model.EventRecord{}
	for i := len(events) - 1; i >= 0; i-- {
		if !keep(events[i]) {
			continue
		}
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
