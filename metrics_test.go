package ipcbroker

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordTransaction(1024, false)
	m.RecordReply(1024, 1_000_000, false)
	m.RecordTransaction(512, true) // one-way, no reply to follow
	m.RecordReply(0, 0, true)      // a failed reply elsewhere

	snap = m.Snapshot()
	if snap.TransactionsSubmitted != 2 {
		t.Errorf("TransactionsSubmitted = %d, want 2", snap.TransactionsSubmitted)
	}
	if snap.OneWaySubmitted != 1 {
		t.Errorf("OneWaySubmitted = %d, want 1", snap.OneWaySubmitted)
	}
	if snap.RepliesDelivered != 1 {
		t.Errorf("RepliesDelivered = %d, want 1", snap.RepliesDelivered)
	}
	if snap.FailedReplies != 1 {
		t.Errorf("FailedReplies = %d, want 1", snap.FailedReplies)
	}
	if snap.BytesTransferred != 1024+512+1024 {
		t.Errorf("BytesTransferred = %d, want %d", snap.BytesTransferred, 1024+512+1024)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("ErrorRate = %.2f, want ~%.2f", snap.ErrorRate, expectedErrorRate)
	}
}

func TestMetricsBufferAllocFailures(t *testing.T) {
	m := NewMetrics()
	m.RecordBufferAllocFailure(false)
	m.RecordBufferAllocFailure(true)
	m.RecordBufferAllocFailure(true)

	snap := m.Snapshot()
	if snap.BufferAllocFailures != 1 {
		t.Errorf("BufferAllocFailures = %d, want 1", snap.BufferAllocFailures)
	}
	if snap.AsyncQuotaRejections != 2 {
		t.Errorf("AsyncQuotaRejections = %d, want 2", snap.AsyncQuotaRejections)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordReply(1024, 1_000_000, false) // 1ms
	m.RecordReply(1024, 2_000_000, false) // 2ms

	snap := m.Snapshot()
	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("AvgLatencyNs = %d, want %d", snap.AvgLatencyNs, expectedAvgNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("UptimeNs = %d, want >= 10ms", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime grew after Stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordTransaction(1024, false)
	m.RecordReply(1024, 1_000_000, false)

	if m.Snapshot().TotalOps == 0 {
		t.Fatal("expected some operations before reset")
	}

	m.Reset()
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("TotalOps after reset = %d, want 0", snap.TotalOps)
	}
	if snap.BytesTransferred != 0 {
		t.Errorf("BytesTransferred after reset = %d, want 0", snap.BytesTransferred)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveTransaction(1024, false)
	observer.ObserveReply(1024, 1_000_000, false)
	observer.ObserveBufferAllocFailure(true)
	observer.ObserveDeathNotification()
	observer.ObserveProcessTornDown()
	observer.ObserveThreadSpawned()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)
	metricsObserver.ObserveTransaction(1024, false)
	metricsObserver.ObserveReply(2048, 1_000_000, false)

	snap := m.Snapshot()
	if snap.TransactionsSubmitted != 1 {
		t.Errorf("TransactionsSubmitted = %d, want 1", snap.TransactionsSubmitted)
	}
	if snap.BytesTransferred != 1024+2048 {
		t.Errorf("BytesTransferred = %d, want %d", snap.BytesTransferred, 1024+2048)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordReply(1024, 500_000, false) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordReply(1024, 5_000_000, false) // 5ms
	}
	m.RecordReply(1024, 50_000_000, false) // 50ms, P99

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Errorf("TotalOps = %d, want 100", snap.TotalOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("P50 = %d ns, want 100us-1ms range", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("P99 = %d ns, want 5ms-100ms range", snap.LatencyP99Ns)
	}

	total := uint64(0)
	for _, c := range snap.LatencyHistogram {
		total += c
	}
	if total == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
