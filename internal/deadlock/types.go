// Package deadlock parses PostgreSQL "deadlock detected" reports and analyzes
// the wait-for graph they describe.
package deadlock

import (
	"errors"
	"time"
)

// ParserVersion is stamped into every analysis.
const ParserVersion = "2.1.0"

var (
	// ErrInvariant is returned when a pipeline stage produces output that
	// contradicts its own input, such as a cycle over a missing edge.
	ErrInvariant = errors.New("internal invariant violated")

	// ErrUnknownLockMode is returned for lock mode names outside the
	// PostgreSQL table-level lock vocabulary.
	ErrUnknownLockMode = errors.New("unknown lock mode")

	// ErrInternal wraps recovered panics.
	ErrInternal = errors.New("internal analyzer fault")
)

// RawDeadlockMessage is the unparsed deadlock text and where it came from.
type RawDeadlockMessage struct {
	// EventID identifies the source event (for example a Sentry event id).
	EventID string
	// Timestamp is when the source observed the message, if known.
	Timestamp *time.Time
	// Backend identifies the database backend (for example "postgresql").
	Backend string
	// Text is the raw error or log text.
	Text string
	// CriticalTables extends the analyzer's critical-table list for this message.
	CriticalTables []string
}

// Severity ranks how disruptive a deadlock is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	// SeverityUnknown is only used for results of a failed analysis.
	SeverityUnknown Severity = "unknown"
)

// Rank orders severities; unknown ranks below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ProcessRecord is one PostgreSQL backend involved in a deadlock.
// Pointer fields are nil when the report did not mention them.
type ProcessRecord struct {
	PID              int        `json:"pid" yaml:"pid"`
	Query            *string    `json:"query,omitempty" yaml:"query,omitempty"`
	NormalizedQuery  *string    `json:"normalized_query,omitempty" yaml:"normalized_query,omitempty"`
	QueryFingerprint *string    `json:"query_fingerprint,omitempty" yaml:"query_fingerprint,omitempty"`
	QueryParameters  []string   `json:"query_parameters,omitempty" yaml:"query_parameters,omitempty"`
	TablesAccessed   []string   `json:"tables_accessed" yaml:"tables_accessed"`
	LockType         *string    `json:"lock_type,omitempty" yaml:"lock_type,omitempty"`
	LockMode         *string    `json:"lock_mode,omitempty" yaml:"lock_mode,omitempty"`
	LockTarget       *string    `json:"lock_target,omitempty" yaml:"lock_target,omitempty"`
	RelationOID      *uint32    `json:"relation_oid,omitempty" yaml:"relation_oid,omitempty"`
	WaitEventType    *string    `json:"wait_event_type,omitempty" yaml:"wait_event_type,omitempty"`
	WaitEvent        *string    `json:"wait_event,omitempty" yaml:"wait_event,omitempty"`
	BlockingPIDs     []int      `json:"blocking_pids" yaml:"blocking_pids"`
	IsolationLevel   *string    `json:"isolation_level,omitempty" yaml:"isolation_level,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	IsVictim         bool       `json:"is_victim,omitempty" yaml:"is_victim,omitempty"`

	stmt statementInfo
}

// RelationInfo is a table touched by the deadlock.
type RelationInfo struct {
	// RelationID is the relation OID when the report carried one,
	// otherwise a synthetic id (see Synthetic).
	RelationID       uint32 `json:"relation_id" yaml:"relation_id"`
	Synthetic        bool   `json:"synthetic_id,omitempty" yaml:"synthetic_id,omitempty"`
	Schema           string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name             string `json:"name" yaml:"name"`
	LockingProcesses []int  `json:"locking_processes" yaml:"locking_processes"`
	Critical         bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// QualifiedName returns schema.name, or just the name without a schema.
func (r RelationInfo) QualifiedName() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Edge is a wait-for relationship: From waits on a lock held by To.
type Edge struct {
	From          int    `json:"from" yaml:"from"`
	To            int    `json:"to" yaml:"to"`
	LockType      string `json:"lock_type,omitempty" yaml:"lock_type,omitempty"`
	RequestedMode string `json:"requested_mode,omitempty" yaml:"requested_mode,omitempty"`
	HeldMode      string `json:"held_mode,omitempty" yaml:"held_mode,omitempty"`
	Relation      string `json:"relation,omitempty" yaml:"relation,omitempty"`
	Conflicts     bool   `json:"conflicts" yaml:"conflicts"`
}

// Cycle is one wait-for cycle, rotated to start at its lowest pid.
type Cycle struct {
	Processes []int    `json:"processes" yaml:"processes"`
	Tables    []string `json:"tables,omitempty" yaml:"tables,omitempty"`
}

// Metadata describes how an analysis was produced.
type Metadata struct {
	ExecutionTimeMs float64  `json:"execution_time_ms" yaml:"execution_time_ms"`
	ParserVersion   string   `json:"parser_version" yaml:"parser_version"`
	CyclesFound     int      `json:"cycles_found" yaml:"cycles_found"`
	Warnings        []string `json:"warnings" yaml:"warnings"`
	Truncated       bool     `json:"truncated" yaml:"truncated"`
}

// DeadlockAnalysis is the structured result for one deadlock report.
// It is built once and not modified afterwards.
type DeadlockAnalysis struct {
	EventID         string                `json:"event_id,omitempty" yaml:"event_id,omitempty"`
	ContentHash     string                `json:"content_hash" yaml:"content_hash"`
	Processes       map[int]ProcessRecord `json:"processes" yaml:"processes"`
	Relations       []RelationInfo        `json:"relations" yaml:"relations"`
	Edges           []Edge                `json:"edges" yaml:"edges"`
	Cycles          []Cycle               `json:"cycles" yaml:"cycles"`
	Components      [][]int               `json:"components,omitempty" yaml:"components,omitempty"`
	Severity        Severity              `json:"severity" yaml:"severity"`
	RecommendedFix  string                `json:"recommended_fix" yaml:"recommended_fix"`
	Recommendations []string              `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	VictimPID       *int                  `json:"victim_pid,omitempty" yaml:"victim_pid,omitempty"`
	DetectedAt      *time.Time            `json:"detected_at,omitempty" yaml:"detected_at,omitempty"`
	DetectionTimeMs *float64              `json:"detection_time_ms,omitempty" yaml:"detection_time_ms,omitempty"`
	Error           string                `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata        Metadata              `json:"metadata" yaml:"metadata"`
}

// Failed reports whether the analysis is a degraded error result.
func (a *DeadlockAnalysis) Failed() bool {
	return a.Error != ""
}

// Tables returns the qualified names of all named relations.
func (a *DeadlockAnalysis) Tables() []string {
	var tables []string
	for _, r := range a.Relations {
		if r.Name != "" {
			tables = append(tables, r.QualifiedName())
		}
	}
	return tables
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}
