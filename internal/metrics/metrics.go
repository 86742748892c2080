// Package metrics exposes Prometheus instrumentation for the engine: RPC
// call outcomes, read latency, write queue depth, and subscription counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal counts outbound writer-service calls by method and
	// outcome.
	//
	// Labels:
	//   - method: Change, Watch, Init
	//   - outcome: ok, error
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dconfengine_rpc_calls_total",
			Help: "Total writer-service RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dconfengine_rpc_call_duration_seconds",
			Help:    "Duration of writer-service RPC calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"method"},
	)

	ReadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dconfengine_read_duration_seconds",
			Help:    "Duration of a key lookup across the source stack",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		},
	)

	ReadCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dconfengine_read_cache_hits_total",
			Help: "Total GVDB value lookups served from the per-table cache",
		},
	)

	ReadCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dconfengine_read_cache_misses_total",
			Help: "Total GVDB value lookups that missed the per-table cache",
		},
	)

	// QueueDepth tracks the pending and in-flight write queue sizes.
	//
	// Labels:
	//   - state: pending, in_flight
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dconfengine_write_queue_depth",
			Help: "Number of changesets currently queued, by state",
		},
		[]string{"state"},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dconfengine_subscriptions_active",
			Help: "Reference-counted subscription paths, by state",
		},
		[]string{"state"},
	)

	SourceRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dconfengine_source_refresh_total",
			Help: "Total source refresh attempts by kind and whether a reopen occurred",
		},
		[]string{"kind", "reopened"},
	)

	NotifyEchoSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dconfengine_notify_echo_suppressed_total",
			Help: "Total inbound Notify signals dropped as echoes of our own write",
		},
	)
)
