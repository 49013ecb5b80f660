package deadlock

import (
	"fmt"
	"log/slog"
	"time"
)

// Options configures an Analyzer. Zero values fall back to the defaults.
type Options struct {
	CriticalTables []string
	MaxInputBytes  int
	MaxSegments    int
	MaxCycles      int
	MaxSteps       int
	Thresholds     Thresholds
	Logger         *slog.Logger
}

// DefaultOptions returns the built-in limits and thresholds.
func DefaultOptions() Options {
	return Options{
		MaxInputBytes: DefaultMaxInputBytes,
		MaxSegments:   DefaultMaxSegments,
		MaxCycles:     DefaultMaxCycles,
		MaxSteps:      DefaultMaxSteps,
		Thresholds:    DefaultThresholds(),
	}
}

// Analyzer turns raw deadlock reports into DeadlockAnalysis values.
// It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	opts       Options
	log        *slog.Logger
	findCycles func(w *WaitForGraph, maxCycles, maxSteps int) CycleResult
}

// NewAnalyzer returns an Analyzer using opts.
func NewAnalyzer(opts Options) *Analyzer {
	d := DefaultOptions()
	if opts.MaxInputBytes <= 0 {
		opts.MaxInputBytes = d.MaxInputBytes
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = d.MaxSegments
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = d.MaxCycles
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = d.MaxSteps
	}
	opts.Thresholds = opts.Thresholds.withDefaults()
	opts.CriticalTables = append([]string(nil), opts.CriticalTables...)

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Analyzer{opts: opts, log: log, findCycles: findCycles}
}

// Analyze runs the full pipeline with default options.
func Analyze(raw string) *DeadlockAnalysis {
	return NewAnalyzer(DefaultOptions()).Analyze(RawDeadlockMessage{Text: raw})
}

// Analyze parses msg and analyzes its wait-for graph. It never panics: an
// internal fault yields a result with SeverityUnknown and Error set.
func (a *Analyzer) Analyze(msg RawDeadlockMessage) (result *DeadlockAnalysis) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrInternal, r)
			a.log.Error("deadlock analysis panicked", "event_id", msg.EventID, "error", err)
			result = failedAnalysis(msg, start, err)
		}
	}()

	analysis, err := a.analyze(msg, start)
	if err != nil {
		a.log.Error("deadlock analysis failed", "event_id", msg.EventID, "error", err)
		return failedAnalysis(msg, start, err)
	}

	a.log.Debug("deadlock analyzed",
		"event_id", msg.EventID,
		"content_hash", analysis.ContentHash,
		"processes", len(analysis.Processes),
		"cycles", analysis.Metadata.CyclesFound,
		"severity", analysis.Severity,
		"warnings", analysis.Metadata.Warnings,
		"truncated", analysis.Metadata.Truncated,
	)
	return analysis
}

func (a *Analyzer) analyze(msg RawDeadlockMessage, start time.Time) (*DeadlockAnalysis, error) {
	ex := extract(msg.Text, a.opts.MaxInputBytes, a.opts.MaxSegments)
	warnings := append([]string{}, ex.Warnings...)
	truncated := ex.Truncated

	records, w := BuildTransactions(ex)
	warnings = append(warnings, w...)

	g, w := BuildGraph(records)
	warnings = append(warnings, w...)

	cycles := a.findCycles(g, a.opts.MaxCycles, a.opts.MaxSteps)
	warnings = append(warnings, cycles.Warnings...)
	truncated = truncated || cycles.Truncated
	if err := validateCycles(g, cycles.Cycles); err != nil {
		return nil, err
	}
	if ex.Recognized && len(records) > 0 && len(cycles.Cycles) == 0 {
		warnings = append(warnings, "no wait-for cycle found in the deadlock report")
	}

	critical := append(append([]string{}, a.opts.CriticalTables...), msg.CriticalTables...)
	relations := buildRelations(records, unownedRelations(ex.Header, records), critical)

	severity := Score(severityInput(cycles.Cycles, relations), a.opts.Thresholds)
	recs := Recommend(g, cycles.Cycles, ex.Header.SeqScans)

	return assemble(assembly{
		msg:       msg,
		start:     start,
		header:    ex.Header,
		processes: records,
		relations: relations,
		edges:     g.Edges(),
		cycles:    cycles,
		severity:  severity,
		recs:      recs,
		warnings:  warnings,
		truncated: truncated,
	}), nil
}

// unownedRelations returns the CONTEXT relation when no listed process can be
// named as the reporter, so the table still shows up in the result.
func unownedRelations(h Header, records map[int]*ProcessRecord) []string {
	if h.ContextRelation == nil {
		return nil
	}
	if h.VictimPID != nil {
		if _, ok := records[*h.VictimPID]; ok {
			return nil
		}
	}
	return []string{*h.ContextRelation}
}

func severityInput(cycles []Cycle, relations []RelationInfo) SeverityInput {
	in := SeverityInput{CycleCount: len(cycles)}
	for _, c := range cycles {
		if len(c.Processes) > in.MaxCycleLength {
			in.MaxCycleLength = len(c.Processes)
		}
	}
	for _, rel := range relations {
		if rel.Name == "" {
			continue
		}
		in.TableCount++
		if rel.Critical {
			in.CriticalTable = true
		}
	}
	return in
}

type assembly struct {
	msg       RawDeadlockMessage
	start     time.Time
	header    Header
	processes map[int]*ProcessRecord
	relations []RelationInfo
	edges     []Edge
	cycles    CycleResult
	severity  Severity
	recs      []string
	warnings  []string
	truncated bool
}

// assemble builds the public result. Query text and parameters are redacted
// here so nothing unredacted leaves the package.
func assemble(in assembly) *DeadlockAnalysis {
	out := &DeadlockAnalysis{
		EventID:         in.msg.EventID,
		ContentHash:     ContentHash(in.msg.Text),
		Processes:       make(map[int]ProcessRecord, len(in.processes)),
		Relations:       in.relations,
		Edges:           in.edges,
		Cycles:          in.cycles.Cycles,
		Components:      in.cycles.Components,
		Severity:        in.severity,
		Recommendations: in.recs,
		DetectionTimeMs: in.header.DetectionTimeMs,
		Metadata: Metadata{
			ParserVersion: ParserVersion,
			CyclesFound:   len(in.cycles.Cycles),
			Warnings:      in.warnings,
			Truncated:     in.truncated,
		},
	}

	for pid, rec := range in.processes {
		out.Processes[pid] = publicRecord(rec)
	}

	if len(in.recs) > 0 {
		out.RecommendedFix = in.recs[0]
	}
	if pid := in.header.VictimPID; pid != nil {
		if _, ok := in.processes[*pid]; ok {
			out.VictimPID = intPtr(*pid)
		}
	}
	switch {
	case in.header.DetectedAt != nil:
		out.DetectedAt = in.header.DetectedAt
	case in.msg.Timestamp != nil:
		ts := in.msg.Timestamp.UTC()
		out.DetectedAt = &ts
	}

	if out.Relations == nil {
		out.Relations = []RelationInfo{}
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	if out.Cycles == nil {
		out.Cycles = []Cycle{}
	}
	if out.Metadata.Warnings == nil {
		out.Metadata.Warnings = []string{}
	}

	out.Metadata.ExecutionTimeMs = elapsedMs(in.start)
	return out
}

// publicRecord copies rec with query text, parameters and unrecognized lock
// targets redacted.
func publicRecord(rec *ProcessRecord) ProcessRecord {
	out := *rec
	out.stmt = statementInfo{}
	if rec.LockTarget != nil && (rec.LockType == nil || *rec.LockType == LockTypeUnknown) {
		out.LockTarget = strPtr(Redact(*rec.LockTarget))
	}
	if rec.Query != nil {
		out.Query = strPtr(Redact(*rec.Query))
	}
	if rec.NormalizedQuery != nil {
		out.NormalizedQuery = strPtr(Redact(*rec.NormalizedQuery))
	}
	out.QueryParameters = RedactAll(rec.QueryParameters)
	out.TablesAccessed = append([]string{}, rec.TablesAccessed...)
	out.BlockingPIDs = append([]int{}, rec.BlockingPIDs...)
	return out
}

func failedAnalysis(msg RawDeadlockMessage, start time.Time, err error) *DeadlockAnalysis {
	return &DeadlockAnalysis{
		EventID:     msg.EventID,
		ContentHash: ContentHash(msg.Text),
		Processes:   map[int]ProcessRecord{},
		Relations:   []RelationInfo{},
		Edges:       []Edge{},
		Cycles:      []Cycle{},
		Severity:    SeverityUnknown,
		Error:       err.Error(),
		Metadata: Metadata{
			ExecutionTimeMs: elapsedMs(start),
			ParserVersion:   ParserVersion,
			Warnings:        []string{},
		},
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
