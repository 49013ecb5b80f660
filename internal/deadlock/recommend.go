package deadlock

import (
	"fmt"
	"strings"
)

// FallbackRecommendation is returned when no specific pattern matches.
const FallbackRecommendation = "Review lock acquisition order in the involved transactions and keep transactions as short as possible"

// recommendationScope is the part of the graph the rules look at: the
// cycles when there are any, otherwise every edge.
type recommendationScope struct {
	g       *WaitForGraph
	cycles  []Cycle
	edges   []Edge
	pids    []int
	scanned []string
}

type rule func(s recommendationScope) (string, bool)

// Ordered from most to least specific; the first match becomes the
// recommended fix.
var rules = []rule{
	opposingTableOrder,
	sameTableRowOrder,
	lockUpgrade,
	ddlAgainstDML,
	foreignKeyLocks,
	advisoryLocks,
	sequentialScans,
	isolationRetries,
}

// Recommend returns remediation text for the patterns found in the graph,
// most specific first. seqScans lists tables that plans in the report read
// sequentially. An empty graph yields no recommendations.
func Recommend(g *WaitForGraph, cycles []Cycle, seqScans []string) []string {
	if g == nil || g.Len() == 0 {
		return nil
	}

	s := recommendationScope{g: g, cycles: cycles, scanned: seqScans}
	if len(cycles) > 0 {
		seen := make(map[int]bool)
		for _, c := range cycles {
			n := len(c.Processes)
			for i, pid := range c.Processes {
				if e, ok := g.Edge(pid, c.Processes[(i+1)%n]); ok {
					s.edges = append(s.edges, e)
				}
				if !seen[pid] {
					seen[pid] = true
					s.pids = append(s.pids, pid)
				}
			}
		}
	} else {
		s.edges = g.Edges()
		s.pids = g.Nodes()
	}

	var recs []string
	for _, r := range rules {
		if text, ok := r(s); ok {
			recs = append(recs, text)
		}
	}
	if len(recs) == 0 {
		recs = append(recs, FallbackRecommendation)
	}
	return recs
}

// opposingTableOrder matches cycles whose waits are spread over several
// tables: each transaction holds one table and wants the next.
func opposingTableOrder(s recommendationScope) (string, bool) {
	for _, c := range s.cycles {
		var tables []string
		n := len(c.Processes)
		for i, pid := range c.Processes {
			e, ok := s.g.Edge(pid, c.Processes[(i+1)%n])
			if !ok || e.Relation == "" || e.LockType == LockTypeAdvisory {
				continue
			}
			tables = addTable(tables, e.Relation)
		}
		if len(tables) >= 2 {
			return fmt.Sprintf("Access tables in a consistent order across transactions: %s",
				strings.Join(tables, ", then ")), true
		}
	}
	return "", false
}

// sameTableRowOrder matches row lock waits that all fall on one table.
func sameTableRowOrder(s recommendationScope) (string, bool) {
	table := ""
	for _, e := range s.edges {
		if e.LockType != LockTypeTransaction && e.LockType != LockTypeTuple {
			return "", false
		}
		if e.Relation == "" {
			return "", false
		}
		if table != "" && e.Relation != table {
			return "", false
		}
		table = e.Relation
	}
	if table == "" {
		return "", false
	}
	return fmt.Sprintf("Rows of %s are locked in different orders; touch them in a consistent order "+
		"(for example ORDER BY primary key) or lock them up front with SELECT ... ORDER BY id FOR UPDATE", table), true
}

// lockUpgrade matches waits for table-level locks, which deadlock when
// transactions strengthen a lock they already hold.
func lockUpgrade(s recommendationScope) (string, bool) {
	var strongest LockMode
	table := ""
	for _, e := range s.edges {
		if e.LockType != LockTypeRelation {
			continue
		}
		mode, err := ParseLockMode(e.RequestedMode)
		if err != nil {
			continue
		}
		if mode > strongest {
			strongest = mode
			table = e.Relation
		}
	}
	if strongest == 0 {
		return "", false
	}
	target := "the table"
	if table != "" {
		target = table
	}
	return fmt.Sprintf("Transactions upgrade table locks; take the strongest lock first with "+
		"LOCK TABLE %s IN %s MODE at the start of the transaction", target, strongest.SQL()), true
}

// ddlAgainstDML matches schema changes blocked by or blocking regular queries.
func ddlAgainstDML(s recommendationScope) (string, bool) {
	for _, pid := range s.pids {
		rec, ok := s.g.Process(pid)
		if !ok || !rec.stmt.DDL {
			continue
		}
		target := rec.stmt.Target
		if target == "" {
			target = "the table"
		}
		return fmt.Sprintf("DDL on %s conflicts with concurrent queries; run schema changes with a short "+
			"lock_timeout (SET lock_timeout = '5s') and retry, or schedule them outside peak traffic", target), true
	}
	return "", false
}

// foreignKeyLocks matches the FOR KEY SHARE locks taken by foreign key checks.
func foreignKeyLocks(s recommendationScope) (string, bool) {
	for _, pid := range s.pids {
		rec, ok := s.g.Process(pid)
		if !ok || rec.Query == nil {
			continue
		}
		q := strings.ToUpper(*rec.Query)
		if strings.Contains(q, "FOR KEY SHARE") || strings.Contains(q, "SELECT 1 FROM ONLY") {
			return "Foreign key checks lock referenced rows with FOR KEY SHARE; write parent rows before " +
				"child rows in a consistent order and index the foreign key columns", true
		}
	}
	return "", false
}

func advisoryLocks(s recommendationScope) (string, bool) {
	for _, e := range s.edges {
		if e.LockType == LockTypeAdvisory {
			return "Advisory locks are taken in different orders; acquire them sorted by key or use " +
				"pg_try_advisory_lock and back off", true
		}
	}
	return "", false
}

// sequentialScans matches tables that the report shows being scanned
// sequentially, which makes statements lock far more rows than they change.
func sequentialScans(s recommendationScope) (string, bool) {
	if len(s.scanned) == 0 {
		return "", false
	}
	return fmt.Sprintf("Sequential scans on %s lock more rows than needed; add an index covering the "+
		"WHERE clause", strings.Join(s.scanned, ", ")), true
}

func isolationRetries(s recommendationScope) (string, bool) {
	for _, pid := range s.pids {
		rec, ok := s.g.Process(pid)
		if !ok || rec.IsolationLevel == nil {
			continue
		}
		level := strings.ToUpper(*rec.IsolationLevel)
		if level == "SERIALIZABLE" || level == "REPEATABLE READ" {
			return fmt.Sprintf("Transactions run at %s isolation; retry them on SQLSTATE 40P01 and 40001 "+
				"instead of surfacing the error", level), true
		}
	}
	return "", false
}
