package deadlock

import (
	"errors"
	"reflect"
	"testing"
)

// graphOf builds a wait-for graph from pid -> blocking pids.
func graphOf(t *testing.T, adj map[int][]int) *WaitForGraph {
	t.Helper()
	records := make(map[int]*ProcessRecord, len(adj))
	for pid, blockers := range adj {
		records[pid] = &ProcessRecord{PID: pid, BlockingPIDs: blockers, TablesAccessed: []string{}}
	}
	g, _ := BuildGraph(records)
	return g
}

func cyclePIDs(cycles []Cycle) [][]int {
	out := make([][]int, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, c.Processes)
	}
	return out
}

// TestFindCycles tests enumeration order and rotation.
func TestFindCycles(t *testing.T) {
	tests := []struct {
		name string
		adj  map[int][]int
		want [][]int
	}{
		{
			name: "two process",
			adj:  map[int][]int{101: {100}, 100: {101}},
			want: [][]int{{100, 101}},
		},
		{
			name: "three process ring",
			adj:  map[int][]int{7: {5}, 5: {6}, 6: {7}},
			want: [][]int{{5, 6, 7}},
		},
		{
			name: "no cycle",
			adj:  map[int][]int{1: {2}, 2: {3}, 3: nil},
			want: [][]int{},
		},
		{
			name: "two cycles sharing a node",
			adj:  map[int][]int{1: {2, 3}, 2: {1}, 3: {1}},
			want: [][]int{{1, 2}, {1, 3}},
		},
		{
			name: "independent cycles",
			adj:  map[int][]int{30: {31}, 31: {30}, 10: {11}, 11: {10}},
			want: [][]int{{10, 11}, {30, 31}},
		},
		{
			name: "ring with chord",
			adj:  map[int][]int{1: {2}, 2: {3}, 3: {1, 2}},
			want: [][]int{{1, 2, 3}, {2, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graphOf(t, tt.adj)
			res := FindCycles(g, DefaultMaxCycles)

			got := cyclePIDs(res.Cycles)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FindCycles() = %v, want %v", got, tt.want)
			}
			if err := validateCycles(g, res.Cycles); err != nil {
				t.Errorf("validateCycles: %v", err)
			}
			if res.Truncated {
				t.Error("unexpected truncation")
			}
		})
	}
}

// TestFindCycles_Deterministic tests that repeated runs agree.
func TestFindCycles_Deterministic(t *testing.T) {
	adj := map[int][]int{1: {2, 4}, 2: {3, 1}, 3: {1, 4}, 4: {1, 2}}
	first := cyclePIDs(FindCycles(graphOf(t, adj), DefaultMaxCycles).Cycles)
	for i := 0; i < 20; i++ {
		got := cyclePIDs(FindCycles(graphOf(t, adj), DefaultMaxCycles).Cycles)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %v, first run = %v", i, got, first)
		}
	}
}

// TestFindCycles_Caps tests the cycle and step limits on a complete graph.
func TestFindCycles_Caps(t *testing.T) {
	adj := make(map[int][]int)
	for a := 1; a <= 7; a++ {
		for b := 1; b <= 7; b++ {
			if a != b {
				adj[a] = append(adj[a], b)
			}
		}
	}
	g := graphOf(t, adj)

	res := FindCycles(g, 10)
	if len(res.Cycles) != 10 {
		t.Errorf("got %d cycles, want 10", len(res.Cycles))
	}
	if !res.Truncated {
		t.Error("expected truncation at the cycle cap")
	}
	if len(res.Components) != 1 || len(res.Components[0]) != 7 {
		t.Errorf("components = %v, want one component of 7", res.Components)
	}

	res = findCycles(g, 1000, 50)
	if !res.Truncated {
		t.Error("expected truncation at the step cap")
	}
	if err := validateCycles(g, res.Cycles); err != nil {
		t.Errorf("validateCycles: %v", err)
	}
}

// TestValidateCycles_Invalid tests that fabricated cycles are rejected.
func TestValidateCycles_Invalid(t *testing.T) {
	g := graphOf(t, map[int][]int{1: {2}, 2: {1}, 3: nil})

	tests := []struct {
		name  string
		cycle []int
	}{
		{"missing edge", []int{1, 3}},
		{"single process", []int{1}},
		{"not rotated", []int{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCycles(g, []Cycle{{Processes: tt.cycle}})
			if !errors.Is(err, ErrInvariant) {
				t.Errorf("validateCycles(%v) = %v, want ErrInvariant", tt.cycle, err)
			}
		})
	}
}
