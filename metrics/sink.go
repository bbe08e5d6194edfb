package metrics

// Sink is the metrics collaborator named in §6: counters, gauges, and
// histograms the WAL and consensus driver report against, without
// hardcoding a concrete metrics backend into the hot append/replay paths
// (the teacher wires *expvar.Int fields directly into WAL; we generalize
// that into an interface so a caller can swap in Prometheus/OTel metrics
// without touching wal/ or consensus/).
//
// All methods must be side-effect free and non-blocking; a nil Sink (or
// the NoopSink) must be safe to call.
type Sink interface {
	IncCounter(name string, delta int64, tags ...string)
	SetGauge(name string, value float64, tags ...string)
	ObserveHistogram(name string, value float64, tags ...string)
}

// NoopSink discards every call. It is the default for any component that
// isn't constructed with an explicit Sink.
type NoopSink struct{}

func (NoopSink) IncCounter(name string, delta int64, tags ...string)        {}
func (NoopSink) SetGauge(name string, value float64, tags ...string)       {}
func (NoopSink) ObserveHistogram(name string, value float64, tags ...string) {}

var _ Sink = NoopSink{}
