package deadlock

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// statementInfo is what the analyzer needs to know about a process's query.
type statementInfo struct {
	Kind      string
	Target    string
	TableMode LockMode
	TupleMode LockMode
	DDL       bool
	Tables    []string
	Parsed    bool
}

// Statement kinds.
const (
	kindSelect      = "select"
	kindInsert      = "insert"
	kindUpdate      = "update"
	kindDelete      = "delete"
	kindMerge       = "merge"
	kindLock        = "lock"
	kindDDL         = "ddl"
	kindMaintenance = "maintenance"
	kindOther       = "other"
)

var (
	// from accounts / join public.ledger / update "Orders" / into x / lock table y
	fallbackTableRegex = regexp.MustCompile(`(?i)\b(?:from|join|update|into|lock\s+table|truncate(?:\s+table)?|alter\s+table|index\s+\S+\s+on)\s+(?:only\s+)?((?:"[^"]+"|[A-Za-z_][\w$]*)(?:\.(?:"[^"]+"|[A-Za-z_][\w$]*))?)`)
	leadingKeywordRegex = regexp.MustCompile(`^\s*(?:\(\s*)*([A-Za-z]+)`)
	sqlKeywords         = map[string]bool{"select": true, "set": true, "where": true, "values": true, "lateral": true}
)

// parseStatement inspects a query with the PostgreSQL parser. When the parser
// rejects the text (PostgreSQL truncates long queries in reports) it falls
// back to keyword matching and returns the parse error alongside the result.
func parseStatement(query string) (statementInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return statementInfo{}, nil
	}

	result, err := pg_query.Parse(query)
	if err != nil {
		return fallbackStatement(query), fmt.Errorf("parse query: %w", err)
	}

	info := statementInfo{Parsed: true, Kind: kindOther}
	info.Tables = collectTables(result.ProtoReflect())

	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		classifyStatement(raw.Stmt, &info)
		// The first statement is the one that was executing.
		break
	}

	if info.Target == "" && len(info.Tables) > 0 {
		info.Target = info.Tables[0]
	}
	return info, nil
}

// classifyStatement sets the statement kind, target relation and the lock
// modes it acquires, following the per-command list in the PostgreSQL docs.
func classifyStatement(stmt *pg_query.Node, info *statementInfo) {
	switch {
	case stmt.GetSelectStmt() != nil:
		sel := stmt.GetSelectStmt()
		info.Kind = kindSelect
		info.TableMode = AccessShareLock
		for _, from := range sel.FromClause {
			if rv := from.GetRangeVar(); rv != nil {
				info.Target = rangeVarName(rv)
				break
			}
		}
		for _, lc := range sel.LockingClause {
			clause := lc.GetLockingClause()
			if clause == nil {
				continue
			}
			info.TableMode = RowShareLock
			mode := tupleModeForStrength(clause.Strength)
			if mode > info.TupleMode {
				info.TupleMode = mode
			}
		}

	case stmt.GetUpdateStmt() != nil:
		info.Kind = kindUpdate
		info.TableMode = RowExclusiveLock
		info.TupleMode = ExclusiveLock
		if rv := stmt.GetUpdateStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetDeleteStmt() != nil:
		info.Kind = kindDelete
		info.TableMode = RowExclusiveLock
		info.TupleMode = AccessExclusiveLock
		if rv := stmt.GetDeleteStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetInsertStmt() != nil:
		info.Kind = kindInsert
		info.TableMode = RowExclusiveLock
		info.TupleMode = ExclusiveLock
		if rv := stmt.GetInsertStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetMergeStmt() != nil:
		info.Kind = kindMerge
		info.TableMode = RowExclusiveLock
		info.TupleMode = AccessExclusiveLock
		if rv := stmt.GetMergeStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetLockStmt() != nil:
		lock := stmt.GetLockStmt()
		info.Kind = kindLock
		info.TableMode = LockMode(lock.Mode)
		if _, ok := lockModeNames[info.TableMode]; !ok {
			info.TableMode = AccessExclusiveLock
		}
		for _, rel := range lock.Relations {
			if rv := rel.GetRangeVar(); rv != nil {
				info.Target = rangeVarName(rv)
				break
			}
		}

	case stmt.GetIndexStmt() != nil:
		idx := stmt.GetIndexStmt()
		info.Kind = kindDDL
		info.DDL = true
		info.TableMode = ShareLock
		if idx.Concurrent {
			info.TableMode = ShareUpdateExclusiveLock
		}
		if idx.Relation != nil {
			info.Target = rangeVarName(idx.Relation)
		}

	case stmt.GetVacuumStmt() != nil:
		vac := stmt.GetVacuumStmt()
		info.Kind = kindMaintenance
		info.TableMode = ShareUpdateExclusiveLock
		for _, opt := range vac.Options {
			if def := opt.GetDefElem(); def != nil && strings.EqualFold(def.Defname, "full") {
				info.TableMode = AccessExclusiveLock
			}
		}

	case stmt.GetCreateTrigStmt() != nil:
		info.Kind = kindDDL
		info.DDL = true
		info.TableMode = ShareRowExclusiveLock
		if rv := stmt.GetCreateTrigStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetRefreshMatViewStmt() != nil:
		refresh := stmt.GetRefreshMatViewStmt()
		info.Kind = kindMaintenance
		info.TableMode = AccessExclusiveLock
		if refresh.Concurrent {
			info.TableMode = ExclusiveLock
		}
		if refresh.Relation != nil {
			info.Target = rangeVarName(refresh.Relation)
		}

	case stmt.GetAlterTableStmt() != nil:
		info.Kind = kindDDL
		info.DDL = true
		info.TableMode = AccessExclusiveLock
		if rv := stmt.GetAlterTableStmt().Relation; rv != nil {
			info.Target = rangeVarName(rv)
		}

	case stmt.GetTruncateStmt() != nil, stmt.GetDropStmt() != nil,
		stmt.GetClusterStmt() != nil, stmt.GetReindexStmt() != nil,
		stmt.GetRenameStmt() != nil:
		info.Kind = kindDDL
		info.DDL = true
		info.TableMode = AccessExclusiveLock
	}
}

// tupleModeForStrength maps SELECT ... FOR <strength> to the heavyweight
// tuple lock mode PostgreSQL takes when it has to wait for the row.
func tupleModeForStrength(s pg_query.LockClauseStrength) LockMode {
	switch s {
	case pg_query.LockClauseStrength_LCS_FORKEYSHARE:
		return AccessShareLock
	case pg_query.LockClauseStrength_LCS_FORSHARE:
		return RowShareLock
	case pg_query.LockClauseStrength_LCS_FORNOKEYUPDATE:
		return ExclusiveLock
	case pg_query.LockClauseStrength_LCS_FORUPDATE:
		return AccessExclusiveLock
	}
	return 0
}

// collectTables walks the whole parse tree and returns every referenced
// relation, sorted, with CTE names removed.
func collectTables(m protoreflect.Message) []string {
	seen := make(map[string]bool)
	ctes := make(map[string]bool)

	walkMessage(m, func(msg protoreflect.Message) {
		switch v := msg.Interface().(type) {
		case *pg_query.RangeVar:
			if name := rangeVarName(v); name != "" {
				seen[name] = true
			}
		case *pg_query.CommonTableExpr:
			ctes[v.Ctename] = true
		}
	})

	tables := make([]string, 0, len(seen))
	for name := range seen {
		if ctes[name] {
			continue
		}
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables
}

// walkMessage calls fn for m and every message nested inside it.
func walkMessage(m protoreflect.Message, fn func(protoreflect.Message)) {
	if !m.IsValid() {
		return
	}
	fn(m)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
		case fd.IsList():
			if fd.Message() == nil {
				return true
			}
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walkMessage(list.Get(i).Message(), fn)
			}
		case fd.Message() != nil:
			walkMessage(v.Message(), fn)
		}
		return true
	})
}

func rangeVarName(rv *pg_query.RangeVar) string {
	if rv == nil || rv.Relname == "" {
		return ""
	}
	if rv.Schemaname != "" {
		return rv.Schemaname + "." + rv.Relname
	}
	return rv.Relname
}

// fallbackStatement guesses kind and tables from keywords.
func fallbackStatement(query string) statementInfo {
	info := statementInfo{Kind: kindOther}

	if m := leadingKeywordRegex.FindStringSubmatch(query); m != nil {
		switch strings.ToLower(m[1]) {
		case "select", "with":
			info.Kind = kindSelect
			info.TableMode = AccessShareLock
			if strings.Contains(strings.ToUpper(query), "FOR UPDATE") {
				info.TableMode = RowShareLock
				info.TupleMode = AccessExclusiveLock
			}
		case "update":
			info.Kind, info.TableMode, info.TupleMode = kindUpdate, RowExclusiveLock, ExclusiveLock
		case "delete":
			info.Kind, info.TableMode, info.TupleMode = kindDelete, RowExclusiveLock, AccessExclusiveLock
		case "insert":
			info.Kind, info.TableMode, info.TupleMode = kindInsert, RowExclusiveLock, ExclusiveLock
		case "merge":
			info.Kind, info.TableMode, info.TupleMode = kindMerge, RowExclusiveLock, AccessExclusiveLock
		case "alter", "drop", "truncate", "create", "reindex", "cluster":
			info.Kind, info.DDL, info.TableMode = kindDDL, true, AccessExclusiveLock
		case "vacuum", "analyze":
			info.Kind, info.TableMode = kindMaintenance, ShareUpdateExclusiveLock
		}
	}

	seen := make(map[string]bool)
	for _, m := range fallbackTableRegex.FindAllStringSubmatch(query, -1) {
		name := strings.ReplaceAll(m[1], `"`, "")
		if sqlKeywords[strings.ToLower(name)] {
			continue
		}
		if info.Target == "" {
			info.Target = name
		}
		seen[name] = true
	}
	for name := range seen {
		info.Tables = append(info.Tables, name)
	}
	sort.Strings(info.Tables)
	return info
}

// fingerprintQuery normalizes a query (literals become $n) and hashes the
// normalized text. Trailing semicolons are stripped first so that the same
// statement fingerprints identically across log formats.
func fingerprintQuery(query string) (fingerprint, normalized string, ok bool) {
	query = strings.TrimSpace(query)
	query = strings.TrimSuffix(query, ";")
	if query == "" {
		return "", "", false
	}

	normalized, err := pg_query.Normalize(query)
	if err != nil {
		return "", "", false
	}
	return fmt.Sprintf("%016x", pg_query.HashXXH3_64([]byte(normalized), 0)), normalized, true
}

// ContentHash is the cache key of a raw message.
func ContentHash(raw string) string {
	return fmt.Sprintf("%016x", pg_query.HashXXH3_64([]byte(raw), 0))
}
