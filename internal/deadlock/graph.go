package deadlock

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// WaitForGraph is a directed graph over process ids. An edge a -> b means
// process a waits for a lock held by process b.
type WaitForGraph struct {
	g         *simple.DirectedGraph
	processes map[int]*ProcessRecord
	edges     []Edge
	index     map[[2]int]int
}

// BuildGraph creates one node per process and one edge per blocking pid.
// Edges to pids without a record, and self edges, are dropped with a warning.
func BuildGraph(processes map[int]*ProcessRecord) (*WaitForGraph, []string) {
	w := &WaitForGraph{
		g:         simple.NewDirectedGraph(),
		processes: processes,
		index:     make(map[[2]int]int),
	}
	var warnings []string

	pids := sortedPIDs(processes)
	for _, pid := range pids {
		w.g.AddNode(simple.Node(int64(pid)))
	}

	for _, pid := range pids {
		rec := processes[pid]
		for _, blocker := range rec.BlockingPIDs {
			if blocker == pid {
				warnings = append(warnings, fmt.Sprintf("process %d is reported as blocking itself, edge dropped", pid))
				continue
			}
			holder, ok := processes[blocker]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("process %d is blocked by unknown process %d, edge dropped", pid, blocker))
				continue
			}
			if w.g.HasEdgeFromTo(int64(pid), int64(blocker)) {
				continue
			}

			edge, warning := annotateEdge(rec, holder)
			if warning != "" {
				warnings = append(warnings, warning)
			}
			w.g.SetEdge(w.g.NewEdge(simple.Node(int64(pid)), simple.Node(int64(blocker))))
			w.edges = append(w.edges, edge)
		}
	}

	sort.Slice(w.edges, func(i, j int) bool {
		if w.edges[i].From != w.edges[j].From {
			return w.edges[i].From < w.edges[j].From
		}
		return w.edges[i].To < w.edges[j].To
	})
	for i, e := range w.edges {
		w.index[[2]int{e.From, e.To}] = i
	}

	return w, warnings
}

// annotateEdge records the lock-mode pair behind a wait. The holder's mode is
// not printed by PostgreSQL and is inferred from the lock type and the
// holder's statement. An empty mode is treated as conflicting.
func annotateEdge(waiter, holder *ProcessRecord) (Edge, string) {
	e := Edge{From: waiter.PID, To: holder.PID, Conflicts: true}
	if waiter.LockType != nil {
		e.LockType = *waiter.LockType
	}
	if waiter.LockMode != nil {
		e.RequestedMode = *waiter.LockMode
	}
	e.Relation = waiter.stmt.Target
	if e.Relation == "" && holder.stmt.Target != "" && e.LockType != LockTypeAdvisory {
		e.Relation = holder.stmt.Target
	}

	if held := inferHeldMode(e.LockType, e.RequestedMode, holder); held != 0 {
		e.HeldMode = held.String()
	}

	if e.RequestedMode == "" || e.HeldMode == "" {
		return e, ""
	}
	compatible, err := CheckCompatible(e.RequestedMode, e.HeldMode)
	if err != nil {
		return e, fmt.Sprintf("process %d: %v, treated as conflicting", waiter.PID, err)
	}
	e.Conflicts = !compatible
	return e, ""
}

func inferHeldMode(lockType, requested string, holder *ProcessRecord) LockMode {
	switch lockType {
	case LockTypeTransaction, LockTypeVirtualXID, LockTypeSpecToken:
		// Every backend holds its own transaction id exclusively.
		return ExclusiveLock
	case LockTypeExtend, LockTypePage:
		return ExclusiveLock
	case LockTypeAdvisory:
		if holder.Query != nil && strings.Contains(strings.ToLower(*holder.Query), "_shared") {
			return ShareLock
		}
		return ExclusiveLock
	case LockTypeTuple:
		if holder.stmt.TupleMode != 0 {
			return holder.stmt.TupleMode
		}
		if mode, err := ParseLockMode(requested); err == nil {
			return mode
		}
		return ExclusiveLock
	case LockTypeRelation:
		return holder.stmt.TableMode
	}
	return 0
}

// Nodes returns all process ids in ascending order.
func (w *WaitForGraph) Nodes() []int {
	return sortedPIDs(w.processes)
}

// Len is the number of nodes.
func (w *WaitForGraph) Len() int {
	return w.g.Nodes().Len()
}

// Successors returns the processes pid waits for, in ascending order.
func (w *WaitForGraph) Successors(pid int) []int {
	nodes := graph.NodesOf(w.g.From(int64(pid)))
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, int(n.ID()))
	}
	sort.Ints(out)
	return out
}

// HasEdge reports whether from waits for to.
func (w *WaitForGraph) HasEdge(from, to int) bool {
	return w.g.HasEdgeFromTo(int64(from), int64(to))
}

// Edge returns the annotated edge from -> to.
func (w *WaitForGraph) Edge(from, to int) (Edge, bool) {
	i, ok := w.index[[2]int{from, to}]
	if !ok {
		return Edge{}, false
	}
	return w.edges[i], true
}

// Edges returns all edges ordered by (from, to).
func (w *WaitForGraph) Edges() []Edge {
	out := make([]Edge, len(w.edges))
	copy(out, w.edges)
	return out
}

// Process returns the record for pid.
func (w *WaitForGraph) Process(pid int) (*ProcessRecord, bool) {
	rec, ok := w.processes[pid]
	return rec, ok
}

// Directed exposes the underlying graph for gonum algorithms.
func (w *WaitForGraph) Directed() graph.Directed {
	return w.g
}
