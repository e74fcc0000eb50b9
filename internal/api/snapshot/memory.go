package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps snapshots in process. Values are stored encoded so
// callers never share mutable state through the store.
type MemoryStore struct {
	cache *cache.Cache
	// mu serializes writers; readers go straight to the cache.
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryStore) Get(_ context.Context, key string, dst any) (bool, error) {
	v, found := s.cache.Get(key)
	if !found {
		return false, nil
	}
	raw, ok := v.([]byte)
	if !ok {
		return false, fmt.Errorf("snapshot %s: unexpected value type %T", key, v)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("snapshot %s: decode: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("snapshot %s: encode: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, raw, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, dst any, apply func(found bool) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(dst)
	found, err := s.Get(ctx, key, dst)
	if err != nil {
		return err
	}
	if !apply(found) {
		return nil
	}
	raw, err := json.Marshal(dst)
	if err != nil {
		return fmt.Errorf("snapshot %s: encode: %w", key, err)
	}
	s.cache.Set(key, raw, cache.NoExpiration)
	return nil
}
