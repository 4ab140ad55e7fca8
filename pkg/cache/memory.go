package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired keys are removed on read.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}

	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		s.mu.Lock()
		if current, ok := s.items[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, ErrCacheMiss
	}

	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, nil
}

// Set stores value. A non-positive ttl keeps the key until deleted.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)

	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys, including expired ones not yet read.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
