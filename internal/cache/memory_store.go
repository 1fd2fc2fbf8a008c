package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. It backs tests and
// single-process deployments where Redis is not available; the cache layer
// behaves identically over either store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get returns the value, treating a lazily-expired entry as a miss and
// dropping it.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	now := time.Now()

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(now) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// GetMany returns the live subset of keys.
func (s *MemoryStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	now := time.Now()
	result := make(map[string][]byte, len(keys))

	s.mu.RLock()
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok && !entry.expired(now) {
			result[key] = entry.value
		}
	}
	s.mu.RUnlock()
	return result, nil
}

// SetMany stores all items under one lock acquisition.
func (s *MemoryStore) SetMany(_ context.Context, items []Item) error {
	now := time.Now()

	s.mu.Lock()
	for _, item := range items {
		entry := memoryEntry{value: append([]byte(nil), item.Value...)}
		if item.TTL > 0 {
			entry.expiresAt = now.Add(item.TTL)
		}
		s.entries[item.Key] = entry
	}
	s.mu.Unlock()
	return nil
}

// Remove deletes keys; absent keys are a no-op.
func (s *MemoryStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return nil
}

// RemoveByPattern deletes every key matching the glob pattern. Cache keys
// never contain '/', so path.Match gives Redis-style glob semantics.
func (s *MemoryStore) RemoveByPattern(_ context.Context, pattern string) error {
	s.mu.Lock()
	for key := range s.entries {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ExpiresAt exposes an entry's expiry for tests of TTL jitter.
func (s *MemoryStore) ExpiresAt(key string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry.expiresAt, ok
}
