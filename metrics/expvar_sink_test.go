package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpvarSink_CounterAccumulates(t *testing.T) {
	s := NewExpvarSink("testwal1")
	s.IncCounter("bytes_written", 10)
	s.IncCounter("bytes_written", 5)

	require.Equal(t, int64(15), s.counters["testwal1.bytes_written"].Value())
}

func TestExpvarSink_GaugeOverwrites(t *testing.T) {
	s := NewExpvarSink("testwal2")
	s.SetGauge("queue_bytes", 100)
	s.SetGauge("queue_bytes", 42)

	require.Equal(t, float64(42), s.gauges["testwal2.queue_bytes"].Value())
}

func TestExpvarSink_HistogramTracksCountSumMax(t *testing.T) {
	s := NewExpvarSink("testwal3")
	s.ObserveHistogram("append_latency_ms", 1)
	s.ObserveHistogram("append_latency_ms", 3)
	s.ObserveHistogram("append_latency_ms", 2)

	h := s.histograms["testwal3.append_latency_ms"]
	require.Equal(t, int64(3), h.count)
	require.Equal(t, float64(6), h.sum)
	require.Equal(t, float64(3), h.max)
}

func TestNoopSink_NeverPanics(t *testing.T) {
	var s Sink = NoopSink{}
	s.IncCounter("x", 1)
	s.SetGauge("y", 2)
	s.ObserveHistogram("z", 3)
}
