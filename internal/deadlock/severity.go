package deadlock

import "strings"

// Thresholds are the cutoffs used by Score. Each rule only raises the
// severity, so growing any input never lowers the result.
type Thresholds struct {
	// CriticalCycleCount cycles or more is critical.
	CriticalCycleCount int `mapstructure:"critical_cycle_count" json:"critical_cycle_count" yaml:"critical_cycle_count"`
	// A critical table in a cycle of at least CriticalTableCycleLength is critical.
	CriticalTableCycleLength int `mapstructure:"critical_table_cycle_length" json:"critical_table_cycle_length" yaml:"critical_table_cycle_length"`
	// HighCycleCount cycles or more is high.
	HighCycleCount int `mapstructure:"high_cycle_count" json:"high_cycle_count" yaml:"high_cycle_count"`
	// A cycle of HighCycleLength processes or more is high.
	HighCycleLength int `mapstructure:"high_cycle_length" json:"high_cycle_length" yaml:"high_cycle_length"`
	// HighTableCount distinct tables or more is high.
	HighTableCount int `mapstructure:"high_table_count" json:"high_table_count" yaml:"high_table_count"`
	// MediumTableCount distinct tables or more is medium.
	MediumTableCount int `mapstructure:"medium_table_count" json:"medium_table_count" yaml:"medium_table_count"`
}

// DefaultThresholds returns the built-in cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalCycleCount:       3,
		CriticalTableCycleLength: 4,
		HighCycleCount:           2,
		HighCycleLength:          3,
		HighTableCount:           4,
		MediumTableCount:         2,
	}
}

// withDefaults replaces unset cutoffs with the defaults.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CriticalCycleCount <= 0 {
		t.CriticalCycleCount = d.CriticalCycleCount
	}
	if t.CriticalTableCycleLength <= 0 {
		t.CriticalTableCycleLength = d.CriticalTableCycleLength
	}
	if t.HighCycleCount <= 0 {
		t.HighCycleCount = d.HighCycleCount
	}
	if t.HighCycleLength <= 0 {
		t.HighCycleLength = d.HighCycleLength
	}
	if t.HighTableCount <= 0 {
		t.HighTableCount = d.HighTableCount
	}
	if t.MediumTableCount <= 0 {
		t.MediumTableCount = d.MediumTableCount
	}
	return t
}

// SeverityInput is what Score looks at.
type SeverityInput struct {
	CycleCount     int
	MaxCycleLength int
	TableCount     int
	CriticalTable  bool
}

// Score ranks a deadlock. With no cycles the report is low: the deadlock
// was resolved by PostgreSQL and nothing more is known about it.
func Score(in SeverityInput, t Thresholds) Severity {
	t = t.withDefaults()
	if in.CycleCount == 0 {
		return SeverityLow
	}

	switch {
	case in.CycleCount >= t.CriticalCycleCount,
		in.CriticalTable && in.MaxCycleLength >= t.CriticalTableCycleLength:
		return SeverityCritical
	case in.CycleCount >= t.HighCycleCount,
		in.MaxCycleLength >= t.HighCycleLength,
		in.CriticalTable,
		in.TableCount >= t.HighTableCount:
		return SeverityHigh
	case in.TableCount >= t.MediumTableCount:
		return SeverityMedium
	}
	return SeverityLow
}

// IsCriticalTable reports whether table matches an entry of critical.
func IsCriticalTable(table string, critical []string) bool {
	return matchesCritical(table, critical)
}

// matchesCritical reports whether table is on the critical list. Names are
// compared case-insensitively; an unqualified list entry matches the table
// in any schema.
func matchesCritical(table string, critical []string) bool {
	table = strings.ToLower(table)
	_, bare := splitQualified(table)
	for _, c := range critical {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if c == table {
			return true
		}
		if !strings.Contains(c, ".") && c == bare {
			return true
		}
	}
	return false
}

// splitQualified splits schema.name. A name without schema returns "" as schema.
func splitQualified(name string) (schema, rel string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
