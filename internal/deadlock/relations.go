package deadlock

import "sort"

// buildRelations collects the tables touched by the processes. A relation OID
// from a lock target is attached to the waiting statement's target table;
// OIDs that cannot be tied to a name are kept as unnamed relations. Unowned
// names are added with no locking processes.
func buildRelations(processes map[int]*ProcessRecord, unowned, critical []string) []RelationInfo {
	byName := make(map[string]*RelationInfo)
	byOID := make(map[uint32]*RelationInfo)

	get := func(name string) *RelationInfo {
		if rel, ok := byName[name]; ok {
			return rel
		}
		schema, rel := splitQualified(name)
		info := &RelationInfo{Schema: schema, Name: rel, LockingProcesses: []int{}}
		byName[name] = info
		return info
	}

	for _, pid := range sortedPIDs(processes) {
		rec := processes[pid]
		for _, table := range rec.TablesAccessed {
			rel := get(table)
			rel.LockingProcesses = addPID(rel.LockingProcesses, pid)
		}
	}

	for _, table := range unowned {
		get(table)
	}

	for _, pid := range sortedPIDs(processes) {
		rec := processes[pid]
		if rec.RelationOID == nil {
			continue
		}
		oid := *rec.RelationOID

		if rel, ok := byOID[oid]; ok {
			rel.LockingProcesses = addPID(rel.LockingProcesses, pid)
			continue
		}
		if target := rec.stmt.Target; target != "" {
			rel := get(target)
			if rel.RelationID == 0 {
				rel.RelationID = oid
				byOID[oid] = rel
				rel.LockingProcesses = addPID(rel.LockingProcesses, pid)
				continue
			}
		}
		byOID[oid] = &RelationInfo{RelationID: oid, LockingProcesses: []int{pid}}
	}

	relations := make([]RelationInfo, 0, len(byName)+len(byOID))
	for _, rel := range byName {
		relations = append(relations, *rel)
	}
	for _, rel := range byOID {
		if rel.Name == "" {
			relations = append(relations, *rel)
		}
	}

	sort.Slice(relations, func(i, j int) bool {
		a, b := relations[i], relations[j]
		if (a.Name == "") != (b.Name == "") {
			return a.Name != ""
		}
		if a.QualifiedName() != b.QualifiedName() {
			return a.QualifiedName() < b.QualifiedName()
		}
		return a.RelationID < b.RelationID
	})

	var synthetic uint32
	for i := range relations {
		rel := &relations[i]
		if rel.RelationID == 0 {
			synthetic++
			rel.RelationID = synthetic
			rel.Synthetic = true
		}
		if rel.Name != "" {
			rel.Critical = matchesCritical(rel.QualifiedName(), critical)
		}
	}

	return relations
}
