package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RequestsSent counts request messages published by the bridge, by topic
var RequestsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lumora_bridge_requests_sent_total",
		Help: "Total number of request messages published by the bridge",
	},
	[]string{"topic"},
)

// RequestLatency records end-to-end request/reply round-trip latency
var RequestLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lumora_bridge_request_latency_seconds",
		Help:    "Latency in seconds from request publish to response resolution",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"topic"},
)

// RequestTimeouts counts requests that expired before a response arrived
var RequestTimeouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lumora_bridge_request_timeouts_total",
		Help: "Total number of requests that timed out waiting for a response",
	},
	[]string{"topic"},
)

// DeadLettered counts timed-out requests redirected to the dead-letter topic
var DeadLettered = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lumora_bridge_dead_lettered_total",
		Help: "Total number of request messages redirected to the dead-letter topic",
	},
)

// Correlation registry metrics
var (
	StrayResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumora_correlation_stray_responses_total",
			Help: "Responses arriving for an unknown, resolved or expired correlation ID",
		},
	)

	PendingWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumora_correlation_pending_waiters",
			Help: "Number of correlation waiters currently awaiting a response",
		},
	)

	SweptWaiters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumora_correlation_swept_waiters_total",
			Help: "Expired waiters removed by the background sweep",
		},
	)
)

// Cache metrics
var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumora_cache_hits_total",
			Help: "Cache reads served from the store",
		},
		[]string{"op"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumora_cache_misses_total",
			Help: "Cache reads that fell through to the origin",
		},
		[]string{"op"},
	)

	CoalescedFetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumora_cache_coalesced_fetches_total",
			Help: "Callers that attached to an in-flight fetch instead of fetching",
		},
	)

	Invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumora_cache_invalidations_total",
			Help: "Cache evictions triggered by invalidation messages",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(RequestsSent, RequestLatency, RequestTimeouts, DeadLettered)
	prometheus.MustRegister(StrayResponses, PendingWaiters, SweptWaiters)
	prometheus.MustRegister(CacheHits, CacheMisses, CoalescedFetches, Invalidations)
}
