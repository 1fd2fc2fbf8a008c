package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(time.Hour, zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func TestRegisterResolveAwait(t *testing.T) {
	r := newTestRegistry(t)

	w, err := r.Register("corr-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	payload := []byte(`{"correlationId":"corr-1","success":true}`)
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Resolve("corr-1", payload)
	}()

	got, err := r.Await(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, r.Pending())
}

func TestDuplicateCorrelationID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("corr-dup", time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = r.Register("corr-dup", time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicateCorrelationID)

	// Once resolved, the ID is free again.
	r.Resolve("corr-dup", []byte("{}"))
	_, err = r.Register("corr-dup", time.Now().Add(time.Second))
	assert.NoError(t, err)
}

func TestAwaitTimeoutMakesLateResponseStray(t *testing.T) {
	r := newTestRegistry(t)

	w, err := r.Register("corr-late", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	_, err = r.Await(context.Background(), w)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.Equal(t, 0, r.Pending())

	// The late response is dropped as a stray, not delivered anywhere.
	delivered := r.Resolve("corr-late", []byte("{}"))
	assert.False(t, delivered)
}

func TestAwaitAfterSweepStillTimesOut(t *testing.T) {
	r := newTestRegistry(t)

	w, err := r.Register("corr-swept", time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)

	// The sweep may beat the awaiting caller to an expired waiter; the
	// caller must still observe a timeout, never hang.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.sweep(time.Now()))

	done := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), w)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAwaitTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after the sweep removed the waiter")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestAwaitContextCancellation(t *testing.T) {
	r := newTestRegistry(t)

	w, err := r.Register("corr-cancel", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = r.Await(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Pending())
}

func TestResolveAtMostOnce(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("corr-once", time.Now().Add(time.Second))
	require.NoError(t, err)

	var resolved int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Resolve("corr-once", []byte("{}")) {
				atomic.AddInt64(&resolved, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), resolved)
}

func TestForgetLeavesNoState(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("corr-forget", time.Now().Add(time.Second))
	require.NoError(t, err)

	r.Forget("corr-forget")
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Resolve("corr-forget", []byte("{}")))
}

func TestSweepRemovesExpiredWaiters(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("corr-expired", time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = r.Register("corr-live", time.Now().Add(time.Minute))
	require.NoError(t, err)

	swept := r.sweep(time.Now())
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, r.Pending())
}

func TestConcurrentRegisterResolve(t *testing.T) {
	r := newTestRegistry(t)

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("corr-%d", i)
			w, err := r.Register(id, time.Now().Add(time.Second))
			if err != nil {
				errs <- err
				return
			}
			go r.Resolve(id, []byte("{}"))
			if _, err := r.Await(context.Background(), w); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, 0, r.Pending())
}
