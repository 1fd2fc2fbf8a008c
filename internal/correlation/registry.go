// Package correlation maps correlation IDs to pending waiters and resolves
// each waiter exactly once.
package correlation

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumora/lumora-core/pkg/metrics"
)

var (
	// ErrDuplicateCorrelationID means the caller tried to register an ID that
	// already has a pending waiter. IDs are UUIDv4, so this is an ID
	// generation bug, not an operational condition.
	ErrDuplicateCorrelationID = errors.New("correlation: duplicate correlation id")

	// ErrAwaitTimeout means no response arrived before the waiter's deadline.
	ErrAwaitTimeout = errors.New("correlation: await timed out")
)

const shardCount = 32

// Waiter is the pending-waiter handle for one in-flight correlation ID.
// Exactly one Waiter exists per ID; it is removed from the table when
// resolved, timed out, or the registry shuts down.
type Waiter struct {
	correlationID string
	createdAt     time.Time
	deadline      time.Time
	done          chan []byte // buffered; closed never, written at most once
}

// CorrelationID returns the ID this waiter is registered under.
func (w *Waiter) CorrelationID() string { return w.correlationID }

// Deadline returns the instant after which the waiter expires.
func (w *Waiter) Deadline() time.Time { return w.deadline }

type shard struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// Registry is the in-memory waiter table. It is sharded so concurrent
// register/resolve traffic on unrelated IDs does not contend on one mutex.
type Registry struct {
	shards [shardCount]*shard
	logger *zap.Logger

	sweepEvery time.Duration
	stopSweep  chan struct{}
	closed     sync.Once
}

// NewRegistry creates a registry and starts its background sweep, which
// bounds memory growth when requests are lost and never awaited out.
func NewRegistry(sweepEvery time.Duration, logger *zap.Logger) *Registry {
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}

	r := &Registry{
		logger:     logger,
		sweepEvery: sweepEvery,
		stopSweep:  make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{waiters: make(map[string]*Waiter)}
	}

	go r.sweepLoop()

	return r
}

func (r *Registry) shardFor(correlationID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates a waiter for the given correlation ID. It fails with
// ErrDuplicateCorrelationID if a waiter for that ID is already pending.
func (r *Registry) Register(correlationID string, deadline time.Time) (*Waiter, error) {
	w := &Waiter{
		correlationID: correlationID,
		createdAt:     time.Now(),
		deadline:      deadline,
		done:          make(chan []byte, 1),
	}

	s := r.shardFor(correlationID)
	s.mu.Lock()
	if _, exists := s.waiters[correlationID]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateCorrelationID
	}
	s.waiters[correlationID] = w
	s.mu.Unlock()

	metrics.PendingWaiters.Inc()
	return w, nil
}

// Resolve fulfills the waiter registered under correlationID with the raw
// response and removes it from the table. A response for an unknown ID is a
// stray: already resolved, already expired, or never registered here. Strays
// are counted and logged, never surfaced as errors; they are expected under
// timeout races.
func (r *Registry) Resolve(correlationID string, response []byte) bool {
	s := r.shardFor(correlationID)
	s.mu.Lock()
	w, exists := s.waiters[correlationID]
	if exists {
		delete(s.waiters, correlationID)
		// Buffered send under the shard lock: anyone who later observes the
		// waiter gone from the table also observes the response in the channel.
		w.done <- response
	}
	s.mu.Unlock()

	if !exists {
		metrics.StrayResponses.Inc()
		r.logger.Debug("Dropping stray response",
			zap.String("correlation_id", correlationID))
		return false
	}

	metrics.PendingWaiters.Dec()
	return true
}

// Await suspends until the waiter is resolved, its deadline elapses, or the
// context is cancelled. On timeout or cancellation the waiter is removed from
// the table first, so a late response becomes a stray rather than being
// delivered to a caller that already gave up.
func (r *Registry) Await(ctx context.Context, w *Waiter) ([]byte, error) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case response := <-w.done:
		return response, nil
	case <-timer.C:
		r.remove(w.correlationID)
		// The waiter may already be out of the table: a resolve that won the
		// removal race buffered its response before releasing the shard lock,
		// while the sweep deletes without delivering. An empty channel here
		// therefore always means expiry.
		select {
		case response := <-w.done:
			return response, nil
		default:
			return nil, ErrAwaitTimeout
		}
	case <-ctx.Done():
		r.remove(w.correlationID)
		return nil, ctx.Err()
	}
}

// Forget drops a pending waiter without resolving it. Used when the request
// publish itself failed and no response will ever arrive.
func (r *Registry) Forget(correlationID string) {
	r.remove(correlationID)
}

// remove deletes the waiter if still pending. Returns true if it was removed.
func (r *Registry) remove(correlationID string) bool {
	s := r.shardFor(correlationID)
	s.mu.Lock()
	_, exists := s.waiters[correlationID]
	if exists {
		delete(s.waiters, correlationID)
	}
	s.mu.Unlock()

	if exists {
		metrics.PendingWaiters.Dec()
	}
	return exists
}

// Pending reports how many waiters are currently registered.
func (r *Registry) Pending() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		total += len(s.waiters)
		s.mu.Unlock()
	}
	return total
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopSweep:
			return
		}
	}
}

// sweep removes waiters whose deadline has passed but were never awaited out.
func (r *Registry) sweep(now time.Time) int {
	swept := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, w := range s.waiters {
			if now.After(w.deadline) {
				delete(s.waiters, id)
				swept++
			}
		}
		s.mu.Unlock()
	}

	if swept > 0 {
		metrics.SweptWaiters.Add(float64(swept))
		metrics.PendingWaiters.Sub(float64(swept))
		r.logger.Warn("Swept expired correlation waiters", zap.Int("count", swept))
	}
	return swept
}

// Close stops the background sweep. Pending waiters keep their deadlines, so
// callers still blocked in Await time out normally rather than hanging.
func (r *Registry) Close() {
	r.closed.Do(func() {
		close(r.stopSweep)
		if pending := r.Pending(); pending > 0 {
			r.logger.Warn("Registry closed with pending waiters", zap.Int("count", pending))
		}
	})
}
