package cache

import (
	"context"
	"sync"

	"github.com/lumora/lumora-core/pkg/metrics"
)

// inFlight is one outstanding fetch. At most one exists per key at any
// instant; every concurrent caller for that key shares its outcome.
type inFlight struct {
	done chan struct{}
	val  []byte
	err  error
}

// flightGroup coalesces concurrent fetches per key.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*inFlight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*inFlight)}
}

// do runs fn at most once per key among concurrent callers. The fetch itself
// runs detached from the leader's cancellation: a caller that gives up
// returns its context error, but the flight completes and every other
// attached caller still receives the shared result.
func (g *flightGroup) do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	g.mu.Lock()
	if f, ok := g.flights[key]; ok {
		g.mu.Unlock()
		metrics.CoalescedFetches.Inc()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &inFlight{done: make(chan struct{})}
	g.flights[key] = f
	g.mu.Unlock()

	go func() {
		f.val, f.err = fn(context.WithoutCancel(ctx))

		// Remove before signalling so a fresh miss starts a fresh flight.
		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()

		close(f.done)
	}()

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inFlightCount reports the number of outstanding fetches.
func (g *flightGroup) inFlightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
