package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fx-market/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvent(ctx context.Context, rec *model.EventRecord) error {
	if err := s.primary.InsertEvent(ctx, rec); err != nil {
		return err
	}
	// A reservation's history grows on finalize; next read re-populates.
	s.rdb.Del(ctx, tokenKey(rec.Token))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEventsByToken(ctx context.Context, token string) ([]model.EventRecord, error) {
	data, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if err == nil {
		var events []model.EventRecord
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	// Cache miss.
	events, err := s.primary.GetEventsByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, tokenKey(token), data, s.ttl)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, limit int) ([]model.EventRecord, error) {
	return s.primary.ListEvents(ctx, limit)
}

func (s *CachedStore) ListEventsByKind(ctx context.Context, kind model.Kind, limit int) ([]model.EventRecord, error) {
	return s.primary.ListEventsByKind(ctx, kind, limit)
}

func tokenKey(token string) string { return fmt.Sprintf("events:token:%s", token) }
