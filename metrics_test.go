package vbd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsObserveRelease(t *testing.T) {
	m := NewMetrics()
	m.ObserveRelease(4096, 1_000_000, true)
	m.ObserveRelease(4096, 500_000, false)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.PagesReleased)
	require.Equal(t, uint64(4096), snap.ReleaseBytes)
	require.Equal(t, uint64(1), snap.ReleaseErrors)
}

func TestMetricsObservePrime(t *testing.T) {
	m := NewMetrics()
	m.ObservePrime(4096, 1_000_000, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.PagesPrimed)
	require.Equal(t, uint64(4096), snap.PrimeBytes)
	require.Equal(t, uint64(0), snap.PrimeErrors)
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.ObserveRelease(4096, 500, true) // well under the 1us bucket

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.LatencyHistogram[0])
}

func TestMetricsInterruptCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveQueueInterrupt("inflate")
	m.ObserveQueueInterrupt("deflate")
	m.recordConfigInterrupt()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.QueueInterruptsRaised)
	require.Equal(t, uint64(1), snap.ConfigInterruptsRaised)
}
