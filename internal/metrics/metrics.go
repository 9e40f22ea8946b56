// Package metrics holds the Prometheus instruments shared across the
// proxy and worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy core. Pass to
// components that need to record them; a nil *Metrics disables
// recording.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	RPCTimeouts      prometheus.Counter
	LateReplies      prometheus.Counter
	PersistDrops     prometheus.Counter
	PersistWrites    prometheus.Counter
	PersistLostBatch prometheus.Counter
	PersistFlush     prometheus.Histogram
	WorkerRequests   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "requests_total",
				Help:      "Total dispatched requests",
			},
			[]string{"outcome"}, // outcome=ok/timeout/unauthorized/not_connected/error
		),
		RequestDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ubproxy",
				Name:      "request_duration_seconds",
				Help:      "Round-trip time of broker RPC calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RPCTimeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "rpc_timeouts_total",
				Help:      "RPC calls that hit the request deadline",
			},
		),
		LateReplies: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "late_replies_total",
				Help:      "Replies discarded because their correlation id had expired",
			},
		),
		PersistDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "persist_drops_total",
				Help:      "Write records dropped because the persistence queue was full",
			},
		),
		PersistWrites: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "persist_writes_total",
				Help:      "Write records committed to tenant stores",
			},
		),
		PersistLostBatch: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "persist_lost_batches_total",
				Help:      "Per-tenant batches lost to storage errors or missing schemas",
			},
		),
		PersistFlush: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ubproxy",
				Name:      "persist_flush_seconds",
				Help:      "Duration of one persistence flush cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		WorkerRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ubproxy",
				Name:      "worker_requests_total",
				Help:      "Requests executed by the worker",
			},
			[]string{"outcome"}, // outcome=ok/decode_error/upstream_error/encode_error/oversize
		),
	}
}
