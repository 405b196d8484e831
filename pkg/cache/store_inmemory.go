package cache

import (
	"context"
	"sync"
	"time"
)

type inMemoryItem struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryStore is a simple in-process cache backend.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]inMemoryItem
	now   func() time.Time
}

// NewInMemoryStore creates an in-memory cache store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]inMemoryItem),
		now:   time.Now,
	}
}

// Get loads a key from memory.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return append([]byte{}, item.value...), nil
}

// Set stores a key. A non-positive ttl keeps the entry until it is cleaned.
func (s *InMemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := inMemoryItem{value: append([]byte{}, value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item
	return nil
}

// Clean removes the keys matching pattern.
func (s *InMemoryStore) Clean(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.items {
		if Match(pattern, key) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close is a no-op for in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
