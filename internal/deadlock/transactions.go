package deadlock

import (
	"fmt"
	"sort"
	"strings"
)

// BuildTransactions turns extracted segments into one ProcessRecord per pid.
// Segments for the same pid are merged field by field: a later segment fills
// fields the earlier ones left unset, and conflicting values keep the first
// one with a warning.
func BuildTransactions(ex ExtractionResult) (map[int]*ProcessRecord, []string) {
	records := make(map[int]*ProcessRecord)
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	for _, seg := range ex.Segments {
		rec, ok := records[seg.PID]
		if !ok {
			rec = &ProcessRecord{
				PID:            seg.PID,
				TablesAccessed: []string{},
				BlockingPIDs:   []int{},
			}
			records[seg.PID] = rec
		}
		mergeSegment(rec, seg.Fields, warn)
	}

	if pid := ex.Header.VictimPID; pid != nil {
		if rec, ok := records[*pid]; ok {
			rec.IsVictim = true
			if rec.Query == nil && ex.Header.Statement != nil {
				rec.Query = strPtr(*ex.Header.Statement)
			}
		} else if len(records) > 0 {
			warn("reporting process %d is not listed in the deadlock detail", *pid)
		}
	}

	for _, pid := range sortedPIDs(records) {
		rec := records[pid]
		describeQuery(rec, warn)
		defaultWaitEvent(rec)
	}

	if rel := ex.Header.ContextRelation; rel != nil && ex.Header.VictimPID != nil {
		if rec, ok := records[*ex.Header.VictimPID]; ok {
			rec.TablesAccessed = addTable(rec.TablesAccessed, *rel)
		}
	}

	return records, warnings
}

func mergeSegment(rec *ProcessRecord, f SegmentFields, warn func(string, ...any)) {
	mergeString(&rec.Query, f.Query, rec.PID, "query", warn)
	mergeString(&rec.LockMode, f.LockMode, rec.PID, "lock mode", warn)
	mergeString(&rec.LockType, f.LockType, rec.PID, "lock type", warn)
	mergeString(&rec.LockTarget, f.LockTarget, rec.PID, "lock target", warn)
	mergeString(&rec.WaitEventType, f.WaitEventType, rec.PID, "wait event type", warn)
	mergeString(&rec.WaitEvent, f.WaitEvent, rec.PID, "wait event", warn)
	mergeString(&rec.IsolationLevel, f.IsolationLevel, rec.PID, "isolation level", warn)

	if f.RelationOID != nil && rec.RelationOID == nil {
		oid := *f.RelationOID
		rec.RelationOID = &oid
	}

	if f.BlockedBy != nil {
		rec.BlockingPIDs = addPID(rec.BlockingPIDs, *f.BlockedBy)
	}

	if f.Parameters != nil {
		switch {
		case rec.QueryParameters == nil:
			rec.QueryParameters = append([]string{}, f.Parameters...)
		case !equalStrings(rec.QueryParameters, f.Parameters):
			warn("process %d: conflicting parameter lists, keeping the first", rec.PID)
		}
	}

	if f.StartTime != nil && rec.StartTime == nil {
		if ts, ok := ParseLogTimestamp(*f.StartTime); ok {
			rec.StartTime = &ts
		} else {
			warn("process %d: unparseable start time %q", rec.PID, Redact(*f.StartTime))
		}
	}
}

func mergeString(dst **string, src *string, pid int, field string, warn func(string, ...any)) {
	if src == nil {
		return
	}
	if *dst == nil || **dst == "" {
		v := *src
		*dst = &v
		return
	}
	if **dst != *src && *src != "" {
		warn("process %d: conflicting %s values, keeping the first", pid, field)
	}
}

// describeQuery fills tables, fingerprint and statement info from the query.
func describeQuery(rec *ProcessRecord, warn func(string, ...any)) {
	if rec.Query == nil {
		warn("process %d: no query text", rec.PID)
		return
	}

	stmt, err := parseStatement(*rec.Query)
	if err != nil {
		warn("process %d: query did not parse, tables guessed from keywords", rec.PID)
	}
	rec.stmt = stmt
	for _, t := range stmt.Tables {
		rec.TablesAccessed = addTable(rec.TablesAccessed, t)
	}

	if fp, normalized, ok := fingerprintQuery(*rec.Query); ok {
		rec.QueryFingerprint = strPtr(fp)
		rec.NormalizedQuery = strPtr(normalized)
	}
}

// defaultWaitEvent sets wait_event_type/wait_event the way pg_stat_activity
// reports a backend blocked on a heavyweight lock.
func defaultWaitEvent(rec *ProcessRecord) {
	if rec.LockType == nil {
		return
	}
	if rec.WaitEventType == nil {
		rec.WaitEventType = strPtr("Lock")
	}
	if rec.WaitEvent == nil {
		rec.WaitEvent = strPtr(*rec.LockType)
	}
}

func addPID(pids []int, pid int) []int {
	for _, p := range pids {
		if p == pid {
			return pids
		}
	}
	pids = append(pids, pid)
	sort.Ints(pids)
	return pids
}

func addTable(tables []string, table string) []string {
	table = strings.TrimSpace(table)
	if table == "" {
		return tables
	}
	for _, t := range tables {
		if t == table {
			return tables
		}
	}
	tables = append(tables, table)
	sort.Strings(tables)
	return tables
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedPIDs[T any](m map[int]T) []int {
	pids := make([]int, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
