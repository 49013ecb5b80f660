package deadlock

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/topo"
)

// Default enumeration bounds.
const (
	DefaultMaxCycles = 50
	DefaultMaxSteps  = 100000
)

// CycleResult is the output of FindCycles.
type CycleResult struct {
	Cycles []Cycle
	// Components are the strongly connected components with more than one
	// process, each sorted, ordered by their lowest pid. They summarize the
	// cycles that were not enumerated when Truncated is set.
	Components [][]int
	Truncated  bool
	Warnings   []string
}

// FindCycles enumerates the elementary cycles of the wait-for graph.
//
// Strongly connected components are found with Tarjan's algorithm, then each
// component is searched from its processes in ascending pid order, visiting
// only processes with a higher pid than the start. Every cycle is therefore
// produced exactly once, already rotated to begin at its lowest pid, and the
// output order depends only on the graph.
func FindCycles(w *WaitForGraph, maxCycles int) CycleResult {
	return findCycles(w, maxCycles, DefaultMaxSteps)
}

func findCycles(w *WaitForGraph, maxCycles, maxSteps int) CycleResult {
	var res CycleResult
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	component := make(map[int]int)
	for _, scc := range topo.TarjanSCC(w.Directed()) {
		if len(scc) < 2 {
			continue
		}
		pids := make([]int, 0, len(scc))
		for _, n := range scc {
			pids = append(pids, int(n.ID()))
		}
		sort.Ints(pids)
		res.Components = append(res.Components, pids)
	}
	sort.Slice(res.Components, func(i, j int) bool {
		return res.Components[i][0] < res.Components[j][0]
	})

	var starts []int
	for i, pids := range res.Components {
		for _, pid := range pids {
			component[pid] = i
			starts = append(starts, pid)
		}
	}
	sort.Ints(starts)

	steps := 0
	stop := false
	onPath := make(map[int]bool)
	var path []int

	var visit func(start, pid int)
	visit = func(start, pid int) {
		for _, next := range w.Successors(pid) {
			if stop {
				return
			}
			steps++
			if steps > maxSteps {
				res.Truncated = true
				res.Warnings = append(res.Warnings, fmt.Sprintf("cycle enumeration stopped after %d steps", maxSteps))
				stop = true
				return
			}

			if next == start {
				if len(res.Cycles) >= maxCycles {
					res.Truncated = true
					res.Warnings = append(res.Warnings, fmt.Sprintf("more than %d cycles, remaining cycles summarized as components", maxCycles))
					stop = true
					return
				}
				cycle := make([]int, len(path))
				copy(cycle, path)
				res.Cycles = append(res.Cycles, Cycle{Processes: cycle})
				continue
			}

			comp, ok := component[next]
			if !ok || comp != component[start] || next < start || onPath[next] {
				continue
			}

			onPath[next] = true
			path = append(path, next)
			visit(start, next)
			path = path[:len(path)-1]
			delete(onPath, next)
		}
	}

	for _, start := range starts {
		if stop {
			break
		}
		onPath[start] = true
		path = append(path[:0], start)
		visit(start, start)
		delete(onPath, start)
	}

	for i := range res.Cycles {
		res.Cycles[i].Tables = cycleTables(w, res.Cycles[i].Processes)
	}

	return res
}

// cycleTables is the sorted union of tables accessed by the cycle's processes.
func cycleTables(w *WaitForGraph, pids []int) []string {
	var tables []string
	for _, pid := range pids {
		rec, ok := w.Process(pid)
		if !ok {
			continue
		}
		for _, t := range rec.TablesAccessed {
			tables = addTable(tables, t)
		}
	}
	return tables
}

// validateCycles checks that every cycle follows real graph edges and is
// rotated to its lowest pid.
func validateCycles(w *WaitForGraph, cycles []Cycle) error {
	for _, c := range cycles {
		n := len(c.Processes)
		if n < 2 {
			return fmt.Errorf("%w: cycle %v has fewer than two processes", ErrInvariant, c.Processes)
		}
		for i, pid := range c.Processes {
			next := c.Processes[(i+1)%n]
			if !w.HasEdge(pid, next) {
				return fmt.Errorf("%w: cycle %v uses missing edge %d -> %d", ErrInvariant, c.Processes, pid, next)
			}
			if pid < c.Processes[0] {
				return fmt.Errorf("%w: cycle %v does not start at its lowest pid", ErrInvariant, c.Processes)
			}
		}
	}
	return nil
}
