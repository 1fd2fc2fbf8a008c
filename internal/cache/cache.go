// Package cache is a stampede-safe read-through cache: concurrent misses for
// one key coalesce into a single origin fetch, entries expire on jittered
// TTLs, and a broker-driven listener evicts entries when the source of truth
// changes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lumora/lumora-core/pkg/metrics"
)

// Config holds cache behavior settings.
type Config struct {
	// KeyPrefix namespaces every key, e.g. "lumora".
	KeyPrefix string

	// DefaultTTL applies when a call passes no TTL. ShortTTL is for values
	// that go stale fast (validation results); LongTTL for slow-moving ones.
	DefaultTTL time.Duration
	ShortTTL   time.Duration
	LongTTL    time.Duration

	// JitterPercent (0-100) spreads expiry around the nominal TTL so entries
	// written together do not all expire together.
	JitterPercent float64
}

// DefaultConfig returns the TTL layout used across the platform services.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:     "lumora",
		DefaultTTL:    30 * time.Minute,
		ShortTTL:      5 * time.Minute,
		LongTTL:       2 * time.Hour,
		JitterPercent: 10,
	}
}

// FetchFunc loads a value from the origin on a cache miss. It may call the
// request/reply bridge or any other source.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Cache is the read-through cache over an injected Store.
type Cache struct {
	store   Store
	config  *Config
	flights *flightGroup
	logger  *zap.Logger
}

// New creates a cache over the given store.
func New(store Store, config *Config, logger *zap.Logger) *Cache {
	if config == nil {
		config = DefaultConfig()
	}

	return &Cache{
		store:   store,
		config:  config,
		flights: newFlightGroup(),
		logger:  logger,
	}
}

// key namespaces a logical key under the configured prefix.
func (c *Cache) key(k string) string {
	return c.config.KeyPrefix + ":" + k
}

// jitterTTL randomizes the TTL within ±JitterPercent, re-rolled per write.
func (c *Cache) jitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if c.config.JitterPercent <= 0 {
		return ttl
	}

	factor := 1 + (rand.Float64()*2-1)*c.config.JitterPercent/100
	return time.Duration(float64(ttl) * factor)
}

// Get reads key into dest. Returns false on a miss; an expired entry is a
// miss, never a stale hit.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.CacheMisses.WithLabelValues("get").Inc()
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value for %s: %w", key, err)
	}
	metrics.CacheHits.WithLabelValues("get").Inc()
	return true, nil
}

// Set writes value under key with a jittered TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	return c.store.Set(ctx, c.key(key), data, c.jitterTTL(ttl))
}

// GetOrFetch returns the cached bytes for key, fetching on a miss with
// single-flight coalescing: among N concurrent callers for one absent key,
// fetch runs exactly once and all N see the same value or the same error.
// A failed fetch is never cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	if data, err := c.store.Get(ctx, c.key(key)); err == nil {
		metrics.CacheHits.WithLabelValues("get_or_fetch").Inc()
		return data, nil
	} else if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("Cache read failed, falling through to origin",
			zap.Error(err), zap.String("key", key))
	}

	metrics.CacheMisses.WithLabelValues("get_or_fetch").Inc()

	return c.flights.do(ctx, key, func(fctx context.Context) ([]byte, error) {
		// A racing flight may have already repopulated the key.
		if data, err := c.store.Get(fctx, c.key(key)); err == nil {
			return data, nil
		}

		value, err := fetch(fctx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fetched value for %s: %w", key, err)
		}

		if err := c.store.Set(fctx, c.key(key), data, c.jitterTTL(ttl)); err != nil {
			// Serve the fetched value even if the write-back failed.
			c.logger.Warn("Cache write-back failed",
				zap.Error(err), zap.String("key", key))
		}
		return data, nil
	})
}

// GetOrFetchJSON is GetOrFetch with the result unmarshalled into dest.
func (c *Cache) GetOrFetchJSON(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, dest interface{}) error {
	data, err := c.GetOrFetch(ctx, key, ttl, fetch)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal fetched value for %s: %w", key, err)
	}
	return nil
}

// Remove evicts keys. Removing an absent key is a no-op.
func (c *Cache) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.store.Remove(ctx, full...)
}

// RemoveByPattern evicts every key matching the glob pattern. Safe to run
// concurrently with in-flight fetches: a fetch completing afterwards may
// repopulate a matching key, which is accepted eventual consistency.
func (c *Cache) RemoveByPattern(ctx context.Context, pattern string) error {
	return c.store.RemoveByPattern(ctx, c.key(pattern))
}

// GetMany reads a batch of keys in one store round trip. The result maps
// logical keys to raw values; absent keys are simply missing.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	found, err := c.store.GetMany(ctx, full)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(found))
	for i, k := range keys {
		if data, ok := found[full[i]]; ok {
			result[k] = data
		}
	}
	metrics.CacheHits.WithLabelValues("get_many").Add(float64(len(result)))
	metrics.CacheMisses.WithLabelValues("get_many").Add(float64(len(keys) - len(result)))
	return result, nil
}

// SetMany writes a batch in one store round trip, with jitter re-rolled per
// entry so the batch does not expire as one block.
func (c *Cache) SetMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	items := make([]Item, 0, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value for %s: %w", k, err)
		}
		items = append(items, Item{Key: c.key(k), Value: data, TTL: c.jitterTTL(ttl)})
	}
	return c.store.SetMany(ctx, items)
}

// InFlight reports the number of outstanding coalesced fetches.
func (c *Cache) InFlight() int {
	return c.flights.inFlightCount()
}
