package metrics

import (
	"math"
	"sync"
	"time"
)

// DefaultBufferCapacity is the default number of samples kept per series.
const DefaultBufferCapacity = 4096

// Sample is a single measurement.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// IsValid reports whether the sample has a timestamp and a finite value.
func (s Sample) IsValid() bool {
	return !s.Timestamp.IsZero() && !math.IsInf(s.Value, 0) && !math.IsNaN(s.Value)
}

// CircularBuffer is a fixed-size ring of samples. The oldest sample is
// overwritten when the buffer is full.
type CircularBuffer struct {
	data     []Sample
	capacity int
	head     int // Next write position
	size     int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer; capacity <= 0 selects the default.
func NewCircularBuffer(capacity int) *CircularBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &CircularBuffer{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

// Push adds a sample. Invalid samples are dropped.
func (b *CircularBuffer) Push(s Sample) {
	if !s.IsValid() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = s
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Since returns the samples at or after since, oldest first.
func (b *CircularBuffer) Since(since time.Time) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	oldest := (b.head - b.size + b.capacity) % b.capacity
	var out []Sample
	for i := 0; i < b.size; i++ {
		s := b.data[(oldest+i)%b.capacity]
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the newest sample, or false when the buffer is empty.
func (b *CircularBuffer) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return Sample{}, false
	}
	return b.data[(b.head-1+b.capacity)%b.capacity], true
}

// Len returns the number of samples held.
func (b *CircularBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
