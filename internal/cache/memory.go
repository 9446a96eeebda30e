package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
)

type memItem struct {
	v       []byte
	expires time.Time // zero means no expiry
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	items map[string]memItem
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, items: map[string]memItem{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && s.clock.Now().After(it.expires) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{v: clone(value)}
	if ttl > 0 {
		it.expires = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
