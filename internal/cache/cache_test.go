package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, config *Config) (*Cache, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if config == nil {
		config = &Config{
			KeyPrefix:     "test",
			DefaultTTL:    time.Minute,
			ShortTTL:      10 * time.Second,
			LongTTL:       time.Hour,
			JitterPercent: 0,
		}
	}
	return New(store, config, zap.NewNop()), store
}

type profile struct {
	Name string `json:"name"`
}

func TestMissThenSetThenHit(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	var got profile
	found, err := c.Get(ctx, "user:1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "user:1", profile{Name: "A"}, time.Minute))

	found, err = c.Get(ctx, "user:1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "A", got.Name)
}

func TestExpiredReadIsMiss(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user:2", profile{Name: "B"}, 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	var got profile
	found, err := c.Get(ctx, "user:2", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLJitterBoundedAndDesynchronized(t *testing.T) {
	ttl := time.Minute
	jitter := 20.0
	c, store := newTestCache(t, &Config{
		KeyPrefix:     "test",
		DefaultTTL:    ttl,
		ShortTTL:      10 * time.Second,
		LongTTL:       time.Hour,
		JitterPercent: jitter,
	})
	ctx := context.Background()

	maxDeviation := time.Duration(float64(ttl) * jitter / 100)
	deviations := make(map[time.Duration]bool)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("jitter:%d", i)
		before := time.Now()
		require.NoError(t, c.Set(ctx, key, i, ttl))

		expiresAt, ok := store.ExpiresAt("test:" + key)
		require.True(t, ok)

		deviation := expiresAt.Sub(before.Add(ttl))
		if deviation < 0 {
			deviation = -deviation
		}
		// Small slack for the time between Now and the store write.
		assert.LessOrEqual(t, deviation, maxDeviation+50*time.Millisecond)
		deviations[deviation.Round(time.Millisecond)] = true
	}

	// Jitter is re-rolled per write: expiries must not all collapse to one value.
	assert.Greater(t, len(deviations), 1)
}

func TestZeroJitterIsExact(t *testing.T) {
	c, store := newTestCache(t, nil)
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, c.Set(ctx, "exact", "v", time.Minute))
	expiresAt, ok := store.ExpiresAt("test:exact")
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(time.Minute), expiresAt, 100*time.Millisecond)
}

func TestStampedeSingleFlight(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	var calls int64
	slowFetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return profile{Name: "origin"}, nil
	}

	const n = 50
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(ctx, "user:stampede", time.Minute, slowFetch)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 0, c.InFlight())
}

func TestFetchErrorSharedAndNotCached(t *testing.T) {
	c, store := newTestCache(t, nil)
	ctx := context.Background()

	fetchErr := errors.New("origin down")
	var calls int64
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return nil, fetchErr
	}

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(ctx, "user:fail", time.Minute, failing)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], fetchErr)
	}

	// The failure is not cached: the store stays empty and the next fetch runs.
	assert.Equal(t, 0, store.Len())
	data, err := c.GetOrFetch(ctx, "user:fail", time.Minute, func(ctx context.Context) (interface{}, error) {
		return profile{Name: "recovered"}, nil
	})
	require.NoError(t, err)
	var got profile
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "recovered", got.Name)
}

func TestCancelledCallerDoesNotAbortFlight(t *testing.T) {
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		select {
		case <-release:
			return profile{Name: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(cancelCtx, "user:cancel", time.Minute, fetch)
		leaderErr <- err
	}()

	// Second caller attaches to the same flight with a live context.
	time.Sleep(20 * time.Millisecond)
	followerDone := make(chan struct{})
	var followerVal profile
	var followerErr error
	go func() {
		defer close(followerDone)
		data, err := c.GetOrFetch(context.Background(), "user:cancel", time.Minute, fetch)
		if err != nil {
			followerErr = err
			return
		}
		followerErr = json.Unmarshal(data, &followerVal)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	<-followerDone
	require.NoError(t, followerErr)
	assert.Equal(t, "late", followerVal.Name)
}

func TestRemoveIdempotent(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user:3", profile{Name: "C"}, time.Minute))
	require.NoError(t, c.Remove(ctx, "user:3"))
	require.NoError(t, c.Remove(ctx, "user:3"))

	var got profile
	found, err := c.Get(ctx, "user:3", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveByPattern(t *testing.T) {
	c, store := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user:10", profile{Name: "a"}, time.Minute))
	require.NoError(t, c.Set(ctx, "user:10:validation", true, time.Minute))
	require.NoError(t, c.Set(ctx, "class:9", profile{Name: "b"}, time.Minute))

	require.NoError(t, c.RemoveByPattern(ctx, "user:10*"))
	require.NoError(t, c.RemoveByPattern(ctx, "user:10*")) // idempotent

	assert.Equal(t, 1, store.Len())
	var got profile
	found, err := c.Get(ctx, "class:9", &got)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBatchGetSet(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	values := map[string]interface{}{
		"user:20": profile{Name: "x"},
		"user:21": profile{Name: "y"},
		"user:22": profile{Name: "z"},
	}
	require.NoError(t, c.SetMany(ctx, values, time.Minute))

	found, err := c.GetMany(ctx, []string{"user:20", "user:21", "user:22", "user:absent"})
	require.NoError(t, err)
	assert.Len(t, found, 3)

	var got profile
	require.NoError(t, json.Unmarshal(found["user:21"], &got))
	assert.Equal(t, "y", got.Name)
	_, ok := found["user:absent"]
	assert.False(t, ok)
}

func TestUserHelpers(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	// Validation verdicts round-trip through the short-TTL key.
	_, found, err := c.GetUserValidation(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetUserValidation(ctx, "u1", true))
	valid, found, err := c.GetUserValidation(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, valid)

	// Batch verdicts from one plural validation call.
	require.NoError(t, c.SetUserValidations(ctx, map[string]bool{"u2": true, "u3": false}))
	valid, found, err = c.GetUserValidation(ctx, "u3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, valid)

	// Profile fetch-through plus invalidation of both keys.
	var fetched int64
	var got profile
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&fetched, 1)
		return profile{Name: "Ada"}, nil
	}
	require.NoError(t, c.GetOrFetchUser(ctx, "u1", fetch, &got))
	assert.Equal(t, "Ada", got.Name)
	require.NoError(t, c.GetOrFetchUser(ctx, "u1", fetch, &got))
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetched), "second read must hit the cache")

	require.NoError(t, c.InvalidateUser(ctx, "u1"))
	_, found, err = c.GetUserValidation(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, c.GetOrFetchUser(ctx, "u1", fetch, &got))
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetched), "invalidation must force a refetch")
}

func TestGetUsersBatchRead(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserKey("u1"), profile{Name: "Ada"}, time.Minute))
	require.NoError(t, c.Set(ctx, UserKey("u2"), profile{Name: "Grace"}, time.Minute))

	users, err := c.GetUsers(ctx, []string{"u1", "u2", "u-absent"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Ada", users["u1"]["name"])
	assert.Equal(t, "Grace", users["u2"]["name"])
	_, ok := users["u-absent"]
	assert.False(t, ok)
}

func TestRosterUsesLongTTL(t *testing.T) {
	c, store := newTestCache(t, nil)
	ctx := context.Background()

	var fetched int64
	var got profile
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&fetched, 1)
		return profile{Name: "roster"}, nil
	}
	require.NoError(t, c.GetOrFetchRoster(ctx, "s1", fetch, &got))
	require.NoError(t, c.GetOrFetchRoster(ctx, "s1", fetch, &got))
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetched))
	assert.Equal(t, "roster", got.Name)

	require.NoError(t, c.Set(ctx, UserKey("s1"), profile{Name: "p"}, 0))
	rosterExpiry, ok := store.ExpiresAt("test:" + RosterKey("s1"))
	require.True(t, ok)
	profileExpiry, ok := store.ExpiresAt("test:" + UserKey("s1"))
	require.True(t, ok)
	assert.True(t, profileExpiry.Before(rosterExpiry))
}

func TestShortTTLShorterThanDefault(t *testing.T) {
	c, store := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, c.SetUserValidation(ctx, "u9", true))
	require.NoError(t, c.Set(ctx, UserKey("u9"), profile{Name: "n"}, 0))

	validationExpiry, ok := store.ExpiresAt("test:" + UserValidationKey("u9"))
	require.True(t, ok)
	profileExpiry, ok := store.ExpiresAt("test:" + UserKey("u9"))
	require.True(t, ok)
	assert.True(t, validationExpiry.Before(profileExpiry))
}
