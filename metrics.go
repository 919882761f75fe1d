package ipcbroker

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the round-trip latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing — call-to-reply
// latency being the number an operator actually cares about for this kind
// of broker.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks broker-wide operational counters.
type Metrics struct {
	TransactionsSubmitted atomic.Uint64
	OneWaySubmitted       atomic.Uint64
	RepliesDelivered      atomic.Uint64
	FailedReplies         atomic.Uint64

	BytesTransferred atomic.Uint64

	BufferAllocFailures  atomic.Uint64 // ENOMEM from the arena
	AsyncQuotaRejections atomic.Uint64

	NodesCreated atomic.Uint64
	NodesFreed   atomic.Uint64

	DeathNotificationsSent atomic.Uint64
	ProcessesTornDown      atomic.Uint64
	ThreadsSpawned         atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransaction records one call's submission and its accepted size.
func (m *Metrics) RecordTransaction(bytes uint64, oneWay bool) {
	m.TransactionsSubmitted.Add(1)
	if oneWay {
		m.OneWaySubmitted.Add(1)
	}
	m.BytesTransferred.Add(bytes)
}

// RecordReply records a reply's delivery and, for a synchronous call, the
// round-trip latency since the originating call was submitted.
func (m *Metrics) RecordReply(bytes uint64, latencyNs uint64, failed bool) {
	if failed {
		m.FailedReplies.Add(1)
		return
	}
	m.RepliesDelivered.Add(1)
	m.BytesTransferred.Add(bytes)
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordBufferAllocFailure records an arena allocation failure against the
// async quota vs. plain exhaustion.
func (m *Metrics) RecordBufferAllocFailure(asyncQuota bool) {
	if asyncQuota {
		m.AsyncQuotaRejections.Add(1)
	} else {
		m.BufferAllocFailures.Add(1)
	}
}

// RecordNodeCreated/RecordNodeFreed track object graph churn.
func (m *Metrics) RecordNodeCreated() { m.NodesCreated.Add(1) }
func (m *Metrics) RecordNodeFreed()   { m.NodesFreed.Add(1) }

// RecordDeathNotification records one DEAD_BINDER delivery.
func (m *Metrics) RecordDeathNotification() { m.DeathNotificationsSent.Add(1) }

// RecordProcessTornDown records one process's teardown.
func (m *Metrics) RecordProcessTornDown() { m.ProcessesTornDown.Add(1) }

// RecordThreadSpawned records one SPAWN_LOOPER ask honored via
// RegisterLooper.
func (m *Metrics) RecordThreadSpawned() { m.ThreadsSpawned.Add(1) }

// Stop marks the broker as stopped for uptime accounting.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read without
// racing the live counters.
type MetricsSnapshot struct {
	TransactionsSubmitted uint64
	OneWaySubmitted       uint64
	RepliesDelivered      uint64
	FailedReplies         uint64
	BytesTransferred      uint64
	BufferAllocFailures   uint64
	AsyncQuotaRejections  uint64
	NodesCreated          uint64
	NodesFreed            uint64
	DeathNotificationsSent uint64
	ProcessesTornDown     uint64
	ThreadsSpawned        uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TransactionsSubmitted:  m.TransactionsSubmitted.Load(),
		OneWaySubmitted:        m.OneWaySubmitted.Load(),
		RepliesDelivered:       m.RepliesDelivered.Load(),
		FailedReplies:          m.FailedReplies.Load(),
		BytesTransferred:       m.BytesTransferred.Load(),
		BufferAllocFailures:    m.BufferAllocFailures.Load(),
		AsyncQuotaRejections:   m.AsyncQuotaRejections.Load(),
		NodesCreated:           m.NodesCreated.Load(),
		NodesFreed:             m.NodesFreed.Load(),
		DeathNotificationsSent: m.DeathNotificationsSent.Load(),
		ProcessesTornDown:      m.ProcessesTornDown.Load(),
		ThreadsSpawned:         m.ThreadsSpawned.Load(),
	}

	snap.TotalOps = snap.TransactionsSubmitted + snap.RepliesDelivered

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.FailedReplies) / float64(snap.TotalOps) * 100.0
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters (useful for testing).
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable collection of broker events, mirrored into
// Prometheus by internal/promexport.Observer.
type Observer interface {
	ObserveTransaction(bytes uint64, oneWay bool)
	ObserveReply(bytes uint64, latencyNs uint64, failed bool)
	ObserveBufferAllocFailure(asyncQuota bool)
	ObserveDeathNotification()
	ObserveProcessTornDown()
	ObserveThreadSpawned()
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransaction(uint64, bool)          {}
func (NoOpObserver) ObserveReply(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveBufferAllocFailure(bool)           {}
func (NoOpObserver) ObserveDeathNotification()                {}
func (NoOpObserver) ObserveProcessTornDown()                   {}
func (NoOpObserver) ObserveThreadSpawned()                      {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransaction(bytes uint64, oneWay bool) {
	o.metrics.RecordTransaction(bytes, oneWay)
}
func (o *MetricsObserver) ObserveReply(bytes uint64, latencyNs uint64, failed bool) {
	o.metrics.RecordReply(bytes, latencyNs, failed)
}
func (o *MetricsObserver) ObserveBufferAllocFailure(asyncQuota bool) {
	o.metrics.RecordBufferAllocFailure(asyncQuota)
}
func (o *MetricsObserver) ObserveDeathNotification() { o.metrics.RecordDeathNotification() }
func (o *MetricsObserver) ObserveProcessTornDown()    { o.metrics.RecordProcessTornDown() }
func (o *MetricsObserver) ObserveThreadSpawned()      { o.metrics.RecordThreadSpawned() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
