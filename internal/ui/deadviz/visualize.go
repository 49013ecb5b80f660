// Package deadviz renders a deadlock analysis for the terminal.
// Inspired by gocmdpev for EXPLAIN plan visualization.
package deadviz

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mitchellh/go-wordwrap"
	"github.com/xlab/treeprint"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// Color formatters matching pev style
var (
	prefixFormat   = color.New(color.FgHiBlack).SprintFunc()
	tagFormat      = color.New(color.FgWhite, color.BgRed).SprintFunc()
	mutedFormat    = color.New(color.FgHiBlack).SprintFunc()
	boldFormat     = color.New(color.FgHiWhite).SprintFunc()
	goodFormat     = color.New(color.FgGreen).SprintFunc()
	warningFormat  = color.New(color.FgHiYellow).SprintFunc()
	criticalFormat = color.New(color.FgHiRed).SprintFunc()
	outputFormat   = color.New(color.FgCyan).SprintFunc()
	accentFormat   = color.New(color.FgHiMagenta).SprintFunc()
)

const rule = "────────────────────────────────────────────────────────────"

// SQLFormatter is a function that formats SQL queries (e.g., with syntax highlighting).
type SQLFormatter func(sql string) string

// Options controls rendering.
type Options struct {
	// Width wraps recommendation text; 0 means 80.
	Width uint
	// SQLFormatter formats queries; nil shows them as-is.
	SQLFormatter SQLFormatter
}

// Visualize renders an analysis to the writer.
func Visualize(w io.Writer, a *deadlock.DeadlockAnalysis, opts Options) error {
	if a == nil {
		return nil
	}
	if opts.Width == 0 {
		opts.Width = 80
	}

	ew := &errWriter{w: w}
	writeHeader(ew, a)

	if a.Failed() {
		ew.printf("%s %s\n", criticalFormat("Analysis failed:"), a.Error)
		return ew.err
	}

	ew.printf("%s\n%s\n\n", boldFormat(fmt.Sprintf("Wait-For Cycles (%d)", len(a.Cycles))), rule)
	if len(a.Cycles) == 0 {
		ew.printf("  %s\n", mutedFormat("no cycle found in the reported wait-for edges"))
	}
	for i, cycle := range a.Cycles {
		if i > 0 {
			ew.printf("\n")
		}
		if len(cycle.Processes) == 2 {
			writeTwoNodeCycle(ew, a, cycle)
		} else {
			writeNNodeCycle(ew, a, cycle)
		}
	}
	ew.printf("\n")

	ew.printf("%s\n%s\n", boldFormat("Backend Details"), rule)
	ew.printf("%s\n", backendTree(a, opts.SQLFormatter).String())

	if len(a.Relations) > 0 {
		ew.printf("%s\n%s\n", boldFormat("Relations"), rule)
		for _, rel := range a.Relations {
			name := rel.QualifiedName()
			if name == "" {
				name = fmt.Sprintf("oid %d", rel.RelationID)
			}
			line := fmt.Sprintf("  • %s %s", outputFormat(name), mutedFormat(pidList(rel.LockingProcesses)))
			if rel.Critical {
				line += " " + tagFormat(" critical ")
			}
			ew.printf("%s\n", line)
		}
		ew.printf("\n")
	}

	writeAnalysis(ew, a, opts.Width)
	return ew.err
}

func writeHeader(w *errWriter, a *deadlock.DeadlockAnalysis) {
	title := "Deadlock"
	if a.ContentHash != "" {
		title += " " + a.ContentHash
	}
	w.printf("%s  %s\n%s\n\n", boldFormat(title), severityTag(a.Severity), rule)

	if a.EventID != "" {
		w.printf("%s %s\n", mutedFormat("Event:"), a.EventID)
	}
	if a.DetectedAt != nil {
		w.printf("%s %s\n", mutedFormat("Detected:"), a.DetectedAt.Format("2006-01-02 15:04:05"))
	}
	if a.DetectionTimeMs != nil {
		w.printf("%s %.3f ms\n", mutedFormat("Deadlock timeout fired after:"), *a.DetectionTimeMs)
	}
	if a.VictimPID != nil {
		w.printf("%s PID %d %s\n", mutedFormat("Resolved by:"), *a.VictimPID, tagFormat(" victim "))
	}
	w.printf("\n")
}

func severityTag(s deadlock.Severity) string {
	label := " " + string(s) + " "
	switch s {
	case deadlock.SeverityCritical:
		return tagFormat(label)
	case deadlock.SeverityHigh:
		return criticalFormat(label)
	case deadlock.SeverityMedium:
		return warningFormat(label)
	case deadlock.SeverityLow:
		return goodFormat(label)
	default:
		return mutedFormat(label)
	}
}

// edgeFrom returns the edge from -> to.
func edgeFrom(a *deadlock.DeadlockAnalysis, from, to int) (deadlock.Edge, bool) {
	for _, e := range a.Edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return deadlock.Edge{}, false
}

func waitLabel(e deadlock.Edge) string {
	mode := e.RequestedMode
	if mode == "" {
		mode = e.LockType
	}
	if e.Relation != "" {
		return fmt.Sprintf("%s on %s", warningFormat(mode), outputFormat(e.Relation))
	}
	if e.LockType != "" && e.LockType != mode {
		return fmt.Sprintf("%s on %s", warningFormat(mode), e.LockType)
	}
	return warningFormat(mode)
}

// writeTwoNodeCycle renders a horizontal cycle diagram for 2 backends.
func writeTwoNodeCycle(w *errWriter, a *deadlock.DeadlockAnalysis, cycle deadlock.Cycle) {
	p1, p2 := cycle.Processes[0], cycle.Processes[1]
	e12, _ := edgeFrom(a, p1, p2)
	e21, _ := edgeFrom(a, p2, p1)

	w.printf("  %s ────────────────────────────▶ %s %s\n",
		boldFormat(fmt.Sprintf("PID %d", p1)),
		boldFormat(fmt.Sprintf("PID %d", p2)),
		getTags(a, p1))
	w.printf("  %s %s\n", mutedFormat("   waits for"), waitLabel(e12))
	w.printf("  %s ◀──────────────────────────── %s %s\n",
		boldFormat(fmt.Sprintf("PID %d", p1)),
		boldFormat(fmt.Sprintf("PID %d", p2)),
		getTags(a, p2))
	w.printf("  %s %s\n", mutedFormat("   waits for"), waitLabel(e21))
	w.printf("                %s\n", mutedFormat("(deadlock)"))
}

// writeNNodeCycle renders a vertical cycle diagram for N backends.
func writeNNodeCycle(w *errWriter, a *deadlock.DeadlockAnalysis, cycle deadlock.Cycle) {
	pids := cycle.Processes
	for i, pid := range pids {
		next := pids[(i+1)%len(pids)]
		isLast := i == len(pids)-1

		joint := "│ ├▶"
		switch {
		case i == 0:
			joint = "┌─▶"
		case isLast:
			joint = "│ └▶"
		}
		w.printf("%s %s %s\n", prefixFormat(joint), boldFormat(fmt.Sprintf("PID %d", pid)), getTags(a, pid))

		e, _ := edgeFrom(a, pid, next)
		w.printf("%s   %s %s held by PID %d\n", prefixFormat("│"), mutedFormat("waits for"), waitLabel(e), next)
		if !isLast {
			w.printf("%s\n", prefixFormat("│"))
		}
	}

	w.printf("%s\n", prefixFormat("│"))
	w.printf("%s %s\n", prefixFormat("└─────────────────────────────────────────┘"), mutedFormat("(deadlock cycle)"))
}

// backendTree builds one branch per process, ordered by pid.
func backendTree(a *deadlock.DeadlockAnalysis, sqlFormatter SQLFormatter) treeprint.Tree {
	tree := treeprint.New()

	pids := make([]int, 0, len(a.Processes))
	for pid := range a.Processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	for _, pid := range pids {
		p := a.Processes[pid]
		label := boldFormat(fmt.Sprintf("PID %d", pid))
		if tags := getTags(a, pid); tags != "" {
			label += " " + tags
		}
		branch := tree.AddBranch(label)

		if p.LockType != nil {
			branch.AddNode(fmt.Sprintf("%s %s", mutedFormat("Lock Type:"), *p.LockType))
		}
		if p.LockMode != nil {
			branch.AddNode(fmt.Sprintf("%s %s", mutedFormat("Lock Mode:"), warningFormat(*p.LockMode)))
		}
		if p.LockTarget != nil {
			branch.AddNode(fmt.Sprintf("%s %s", mutedFormat("Target:"), *p.LockTarget))
		}
		if len(p.TablesAccessed) > 0 {
			branch.AddNode(fmt.Sprintf("%s %s", mutedFormat("Tables:"), outputFormat(strings.Join(p.TablesAccessed, ", "))))
		}
		if len(p.BlockingPIDs) > 0 {
			branch.AddNode(fmt.Sprintf("%s %s", criticalFormat("Blocked by:"), pidList(p.BlockingPIDs)))
		}
		if p.IsolationLevel != nil {
			branch.AddNode(fmt.Sprintf("%s %s", mutedFormat("Isolation:"), *p.IsolationLevel))
		}
		if p.Query != nil {
			query := *p.Query
			if sqlFormatter != nil {
				query = sqlFormatter(query)
			}
			branch.AddBranch(mutedFormat("Query:")).AddNode(query)
		}
	}

	return tree
}

// writeAnalysis renders the recommended fix, the other suggestions and any
// parser warnings.
func writeAnalysis(w *errWriter, a *deadlock.DeadlockAnalysis, width uint) {
	w.printf("%s\n%s\n\n", boldFormat("Analysis"), rule)

	if a.RecommendedFix != "" {
		w.printf("%s\n", goodFormat("Recommended Fix:"))
		w.printf("%s\n\n", indent(wordwrap.WrapString(a.RecommendedFix, width-4), "  "))
	}

	var others []string
	for _, r := range a.Recommendations {
		if r != a.RecommendedFix {
			others = append(others, r)
		}
	}
	if len(others) > 0 {
		w.printf("%s\n", accentFormat("Also Consider:"))
		for _, r := range others {
			w.printf("  • %s\n", indentTail(wordwrap.WrapString(r, width-6), "    "))
		}
		w.printf("\n")
	}

	if len(a.Metadata.Warnings) > 0 || a.Metadata.Truncated {
		w.printf("%s\n", warningFormat("Parser Warnings:"))
		if a.Metadata.Truncated {
			w.printf("  • input was truncated\n")
		}
		for _, warn := range a.Metadata.Warnings {
			w.printf("  • %s\n", mutedFormat(warn))
		}
	}
}

// Helper functions

func getTags(a *deadlock.DeadlockAnalysis, pid int) string {
	var tags []string

	if a.VictimPID != nil && *a.VictimPID == pid {
		tags = append(tags, tagFormat(" victim "))
	}
	blocks := 0
	for _, e := range a.Edges {
		if e.To == pid {
			blocks++
		}
	}
	if blocks > 1 {
		tags = append(tags, warningFormat(fmt.Sprintf(" blocks %d ", blocks)))
	}

	return strings.Join(tags, " ")
}

func pidList(pids []int) string {
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = fmt.Sprintf("PID %d", pid)
	}
	return strings.Join(parts, ", ")
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func indentTail(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// errWriter keeps the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
