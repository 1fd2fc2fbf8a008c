package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for absent or expired keys.
var ErrNotFound = errors.New("cache: key not found")

// Item is one entry in a batch write. TTL is per item because jitter is
// re-randomized per write.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Store is the underlying key/value store. Implementations guarantee
// per-key atomicity only; the cache layer assumes nothing stronger.
//
// Batch methods must hit the store once, not loop per key: batching at the
// network boundary is a performance contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, items []Item) error
	Remove(ctx context.Context, keys ...string) error
	RemoveByPattern(ctx context.Context, pattern string) error
}
