package db

import (
	"context"
	"fmt"
	"slices"

	"github.com/willibrandon/dexter/internal/deadlock"
)

const relationsByOIDQuery = `
SELECT c.oid, n.nspname, c.relname
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.oid = ANY($1::oid[])`

type relationName struct {
	schema string
	name   string
}

// ResolveRelations looks up the relation OIDs of a in pg_class and returns a
// copy with names and schemas filled in. Unnamed relations get their catalog
// name; named ones without a schema get the catalog schema. Criticality is
// re-evaluated against critical. a itself is not modified.
func ResolveRelations(ctx context.Context, q Querier, a *deadlock.DeadlockAnalysis, critical []string) (*deadlock.DeadlockAnalysis, int, error) {
	if a == nil || a.Failed() {
		return a, 0, nil
	}

	var oids []uint32
	for _, rel := range a.Relations {
		if !rel.Synthetic && rel.RelationID != 0 {
			oids = append(oids, rel.RelationID)
		}
	}
	if len(oids) == 0 {
		return a, 0, nil
	}

	names, err := lookupRelations(ctx, q, oids)
	if err != nil {
		return nil, 0, err
	}

	out := *a
	out.Relations = make([]deadlock.RelationInfo, len(a.Relations))
	resolved := 0
	for i, rel := range a.Relations {
		rel.LockingProcesses = slices.Clone(rel.LockingProcesses)
		if n, ok := names[rel.RelationID]; ok && !rel.Synthetic {
			switch {
			case rel.Name == "":
				rel.Name, rel.Schema = n.name, n.schema
				resolved++
			case rel.Schema == "" && rel.Name == n.name:
				rel.Schema = n.schema
				resolved++
			}
		}
		if rel.Name != "" {
			rel.Critical = deadlock.IsCriticalTable(rel.QualifiedName(), critical)
		}
		out.Relations[i] = rel
	}

	return &out, resolved, nil
}

func lookupRelations(ctx context.Context, q Querier, oids []uint32) (map[uint32]relationName, error) {
	rows, err := q.Query(ctx, relationsByOIDQuery, oids)
	if err != nil {
		return nil, fmt.Errorf("query pg_class: %w", err)
	}
	defer rows.Close()

	names := make(map[uint32]relationName, len(oids))
	for rows.Next() {
		var (
			oid uint32
			n   relationName
		)
		if err := rows.Scan(&oid, &n.schema, &n.name); err != nil {
			return nil, fmt.Errorf("scan pg_class: %w", err)
		}
		names[oid] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pg_class: %w", err)
	}
	return names, nil
}
