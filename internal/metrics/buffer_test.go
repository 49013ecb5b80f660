package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestCircularBuffer_Push(t *testing.T) {
	buf := NewCircularBuffer(3)
	base := time.Now()

	buf.Push(Sample{Timestamp: base, Value: 1})
	if buf.Len() != 1 {
		t.Errorf("expected len 1, got %d", buf.Len())
	}

	// Invalid samples are dropped
	buf.Push(Sample{Timestamp: base, Value: math.NaN()})
	buf.Push(Sample{Timestamp: base, Value: math.Inf(1)})
	buf.Push(Sample{Value: 2})
	if buf.Len() != 1 {
		t.Errorf("expected invalid samples to be dropped, len %d", buf.Len())
	}
}

func TestCircularBuffer_Eviction(t *testing.T) {
	buf := NewCircularBuffer(3)
	base := time.Now()

	for i := 1; i <= 4; i++ {
		buf.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}

	if buf.Len() != 3 {
		t.Errorf("expected len 3 after eviction, got %d", buf.Len())
	}

	got := buf.Since(time.Time{})
	expected := []float64{2, 3, 4}
	if len(got) != len(expected) {
		t.Fatalf("expected %d samples, got %d", len(expected), len(got))
	}
	for i, s := range got {
		if s.Value != expected[i] {
			t.Errorf("expected value[%d]=%f, got %f", i, expected[i], s.Value)
		}
	}

	latest, ok := buf.Latest()
	if !ok || latest.Value != 4 {
		t.Errorf("expected latest 4, got %v (ok=%v)", latest.Value, ok)
	}
}

func TestCircularBuffer_Since(t *testing.T) {
	buf := NewCircularBuffer(10)
	base := time.Now()

	for i := 0; i < 5; i++ {
		buf.Push(Sample{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: float64(i)})
	}

	got := buf.Since(base.Add(3 * time.Minute))
	if len(got) != 2 || got[0].Value != 3 || got[1].Value != 4 {
		t.Errorf("unexpected samples since +3m: %+v", got)
	}

	empty := NewCircularBuffer(0)
	if _, ok := empty.Latest(); ok {
		t.Error("expected empty buffer to have no latest sample")
	}
	if empty.Since(time.Time{}) != nil {
		t.Error("expected nil from empty buffer")
	}
}

func TestCircularBuffer_Concurrent(t *testing.T) {
	buf := NewCircularBuffer(100)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf.Push(Sample{Timestamp: time.Now(), Value: float64(i)})
				_ = buf.Since(time.Time{})
			}
		}()
	}
	wg.Wait()

	if buf.Len() != 100 {
		t.Errorf("expected full buffer, got len %d", buf.Len())
	}
}
