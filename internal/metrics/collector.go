// Package metrics keeps rolling in-memory statistics about analyzer activity
// for the health endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Series recorded by the analysis service.
const (
	// MetricAnalysisMs is the wall time of one uncached analysis.
	MetricAnalysisMs = "analysis_ms"
	// MetricCacheHit is 1 for a cache hit and 0 for a miss.
	MetricCacheHit = "cache_hit"
	// MetricFailure is 1 for a failed analysis and 0 otherwise.
	MetricFailure = "failure"
)

// Summary aggregates one series over a window.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

// Collector holds one CircularBuffer per named series.
type Collector struct {
	mu       sync.RWMutex
	series   map[string]*CircularBuffer
	capacity int
	now      func() time.Time
}

// NewCollector creates a collector; capacity <= 0 selects the default.
func NewCollector(capacity int) *Collector {
	return &Collector{
		series:   make(map[string]*CircularBuffer),
		capacity: capacity,
		now:      time.Now,
	}
}

// Record adds a value to the named series at the current time.
func (c *Collector) Record(name string, value float64) {
	c.RecordAt(name, c.now(), value)
}

// RecordAt adds a value to the named series.
func (c *Collector) RecordAt(name string, at time.Time, value float64) {
	c.mu.Lock()
	buf, ok := c.series[name]
	if !ok {
		buf = NewCircularBuffer(c.capacity)
		c.series[name] = buf
	}
	c.mu.Unlock()

	buf.Push(Sample{Timestamp: at, Value: value})
}

// Summary aggregates the named series over the trailing window.
func (c *Collector) Summary(name string, window time.Duration) Summary {
	c.mu.RLock()
	buf, ok := c.series[name]
	c.mu.RUnlock()
	if !ok {
		return Summary{}
	}
	return summarize(buf.Since(c.now().Add(-window)))
}

// Snapshot summarizes every series over the trailing window.
func (c *Collector) Snapshot(window time.Duration) map[string]Summary {
	c.mu.RLock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[string]Summary, len(names))
	for _, name := range names {
		out[name] = c.Summary(name, window)
	}
	return out
}

func summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	values := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		values[i] = s.Value
		sum += s.Value
	}
	sort.Float64s(values)

	// Nearest-rank percentile
	rank := (95*len(values) + 99) / 100
	return Summary{
		Count: len(values),
		Mean:  sum / float64(len(values)),
		P95:   values[rank-1],
		Max:   values[len(values)-1],
	}
}
