// Package promexport mirrors the broker's ambient Metrics counters into
// Prometheus collectors, the way the teacher's pkg/metrics package mirrors
// its own cluster/raft/api counters: package-level collectors registered
// once, a vector per dimension that matters, and an http.Handler the
// embedder wires onto its own mux.
package promexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipcbroker_transactions_total",
			Help: "Total number of transactions submitted, by call kind",
		},
		[]string{"kind"}, // "sync" | "oneway"
	)

	RepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipcbroker_replies_total",
			Help: "Total number of replies delivered, by outcome",
		},
		[]string{"outcome"}, // "ok" | "failed"
	)

	BytesTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipcbroker_bytes_transferred_total",
			Help: "Total payload bytes copied into recipient arenas",
		},
	)

	BufferAllocFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipcbroker_buffer_alloc_failures_total",
			Help: "Arena allocation failures, by cause",
		},
		[]string{"cause"}, // "no_space" | "async_quota"
	)

	DeathNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipcbroker_death_notifications_total",
			Help: "Total DEAD_BINDER notifications delivered",
		},
	)

	ProcessesTornDownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipcbroker_processes_torn_down_total",
			Help: "Total processes released",
		},
	)

	ThreadsSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipcbroker_threads_spawned_total",
			Help: "Total worker threads admitted via REGISTER_LOOPER",
		},
	)

	ReplyLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipcbroker_reply_latency_seconds",
			Help:    "Call-to-reply latency for synchronous transactions",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, 8), // 1us .. 10s
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		RepliesTotal,
		BytesTransferredTotal,
		BufferAllocFailuresTotal,
		DeathNotificationsTotal,
		ProcessesTornDownTotal,
		ThreadsSpawnedTotal,
		ReplyLatencySeconds,
	)
}

// Handler serves the registered collectors at the caller's chosen mux
// pattern (conventionally "/metrics").
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer implements the root package's Observer interface by recording
// into the package-level Prometheus collectors above, so a standalone
// cmd/brokerd process exports live counters without the engine or the
// embeddable Broker type importing Prometheus directly.
type Observer struct{}

func (Observer) ObserveTransaction(bytes uint64, oneWay bool) {
	kind := "sync"
	if oneWay {
		kind = "oneway"
	}
	TransactionsTotal.WithLabelValues(kind).Inc()
	BytesTransferredTotal.Add(float64(bytes))
}

func (Observer) ObserveReply(bytes uint64, latencyNs uint64, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	} else {
		BytesTransferredTotal.Add(float64(bytes))
		ReplyLatencySeconds.Observe(float64(latencyNs) / 1e9)
	}
	RepliesTotal.WithLabelValues(outcome).Inc()
}

func (Observer) ObserveBufferAllocFailure(asyncQuota bool) {
	cause := "no_space"
	if asyncQuota {
		cause = "async_quota"
	}
	BufferAllocFailuresTotal.WithLabelValues(cause).Inc()
}

func (Observer) ObserveDeathNotification() { DeathNotificationsTotal.Inc() }
func (Observer) ObserveProcessTornDown()   { ProcessesTornDownTotal.Inc() }
func (Observer) ObserveThreadSpawned()     { ThreadsSpawnedTotal.Inc() }
