package vbd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the memory-advice latency histogram edges in
// nanoseconds, log-spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks device-performed operations: pages released/primed,
// reporting reclaims, the queue interrupts raised at the end of
// non-stats drains, and the configuration-change interrupts raised by
// Device.Resize. The stats-timer queue interrupt is not counted. This
// is the "device did X" counter surface, complementing the statistics
// bank's "guest reported Y" counters (see Device.Stats).
type Metrics struct {
	PagesReleased atomic.Uint64
	PagesPrimed   atomic.Uint64
	ReleaseErrors atomic.Uint64
	PrimeErrors   atomic.Uint64

	ReleaseBytes atomic.Uint64
	PrimeBytes   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	QueueInterruptsRaised  atomic.Uint64
	ConfigInterruptsRaised atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a fresh Metrics with its start time stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveRelease implements iface.Observer.
func (m *Metrics) ObserveRelease(bytes uint64, latencyNs uint64, success bool) {
	m.PagesReleased.Add(1)
	if success {
		m.ReleaseBytes.Add(bytes)
	} else {
		m.ReleaseErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObservePrime implements iface.Observer.
func (m *Metrics) ObservePrime(bytes uint64, latencyNs uint64, success bool) {
	m.PagesPrimed.Add(1)
	if success {
		m.PrimeBytes.Add(bytes)
	} else {
		m.PrimeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveChainProcessed implements iface.Observer. role is unused
// beyond potential future per-role breakdowns; the counter surface
// stays role-agnostic for now.
func (m *Metrics) ObserveChainProcessed(role string, usedLen uint32) {}

// ObserveQueueInterrupt implements iface.Observer.
func (m *Metrics) ObserveQueueInterrupt(role string) {
	m.QueueInterruptsRaised.Add(1)
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

func (m *Metrics) recordConfigInterrupt() { m.ConfigInterruptsRaised.Add(1) }

func (m *Metrics) stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics for reporting.
type MetricsSnapshot struct {
	PagesReleased uint64
	PagesPrimed   uint64
	ReleaseErrors uint64
	PrimeErrors   uint64
	ReleaseBytes  uint64
	PrimeBytes    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	QueueInterruptsRaised  uint64
	ConfigInterruptsRaised uint64
}

// Snapshot returns a consistent-enough point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PagesReleased:          m.PagesReleased.Load(),
		PagesPrimed:            m.PagesPrimed.Load(),
		ReleaseErrors:          m.ReleaseErrors.Load(),
		PrimeErrors:            m.PrimeErrors.Load(),
		ReleaseBytes:           m.ReleaseBytes.Load(),
		PrimeBytes:             m.PrimeBytes.Load(),
		QueueInterruptsRaised:  m.QueueInterruptsRaised.Load(),
		ConfigInterruptsRaised: m.ConfigInterruptsRaised.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
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
	return snap
}
