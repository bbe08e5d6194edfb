package metrics

import (
	"expvar"
	"fmt"
	"math"
	"sync"
)

// ExpvarSink implements Sink on top of the standard library's expvar,
// generalizing the teacher's pattern of carrying named *expvar.Int fields
// (wal.WAL.metricsBytesWritten, metricsEntriesWritten) into something every
// component can report through without a dedicated field per counter.
type ExpvarSink struct {
	prefix string

	mu         sync.Mutex
	counters   map[string]*expvar.Int
	gauges     map[string]*expvar.Float
	histograms map[string]*histogram
}

// histogram keeps a running count/sum/max, enough for expvar.Var export
// without pulling in a dedicated quantile library for the default sink.
type histogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
	max   float64
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	if v > h.max {
		h.max = v
	}
}

func (h *histogram) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	mean := 0.0
	if h.count > 0 {
		mean = h.sum / float64(h.count)
	}
	return fmt.Sprintf(`{"count":%d,"sum":%g,"mean":%g,"max":%g}`, h.count, h.sum, mean, h.max)
}

// NewExpvarSink returns a Sink that publishes every metric under
// expvar.Publish(prefix + "." + name). prefix is typically the component
// name ("wal", "consensus").
func NewExpvarSink(prefix string) *ExpvarSink {
	return &ExpvarSink{
		prefix:     prefix,
		counters:   make(map[string]*expvar.Int),
		gauges:     make(map[string]*expvar.Float),
		histograms: make(map[string]*histogram),
	}
}

func (s *ExpvarSink) key(name string, tags []string) string {
	if len(tags) == 0 {
		return s.prefix + "." + name
	}
	k := s.prefix + "." + name
	for _, t := range tags {
		k += "," + t
	}
	return k
}

// publishOnce registers v under key the first time any ExpvarSink sees it.
// expvar's process-wide registry panics on a duplicate name, which would
// otherwise fire the moment a second sink (or a second test) picks the same
// prefix.
func publishOnce(key string, v expvar.Var) {
	if expvar.Get(key) == nil {
		expvar.Publish(key, v)
	}
}

func (s *ExpvarSink) IncCounter(name string, delta int64, tags ...string) {
	key := s.key(name, tags)
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = new(expvar.Int)
		s.counters[key] = c
		publishOnce(key, c)
	}
	s.mu.Unlock()
	c.Add(delta)
}

func (s *ExpvarSink) SetGauge(name string, value float64, tags ...string) {
	if math.IsNaN(value) {
		return
	}
	key := s.key(name, tags)
	s.mu.Lock()
	g, ok := s.gauges[key]
	if !ok {
		g = new(expvar.Float)
		s.gauges[key] = g
		publishOnce(key, g)
	}
	s.mu.Unlock()
	g.Set(value)
}

func (s *ExpvarSink) ObserveHistogram(name string, value float64, tags ...string) {
	key := s.key(name, tags)
	s.mu.Lock()
	h, ok := s.histograms[key]
	if !ok {
		h = &histogram{}
		s.histograms[key] = h
		publishOnce(key, h)
	}
	s.mu.Unlock()
	h.observe(value)
}

var _ Sink = (*ExpvarSink)(nil)
