package deadlock

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Default limits for a single message.
const (
	DefaultMaxInputBytes = 256 << 10
	DefaultMaxSegments   = 128
)

var (
	// ERROR:  deadlock detected
	deadlockMarkerRegex = regexp.MustCompile(`(?i)deadlock detected`)

	// DETAIL:  Process 100 waits for ... / \tProcess 100: UPDATE ...
	segmentMarkerRegex = regexp.MustCompile(`(?m)^(?:[^\n]*?\bDETAIL:[ \t]+|[ \t]*)(Process (\d+))\b`)
	// Single-line messages with no line breaks between processes.
	inlineMarkerRegex = regexp.MustCompile(`\b(Process (\d+))(?: waits for|:)`)

	// Lines that end the process list: HINT, CONTEXT, STATEMENT and new log entries.
	trailerRegex       = regexp.MustCompile(`(?m)^(?:\S[^\n]*?\s)?(?:HINT|CONTEXT|STATEMENT|LOG|ERROR|WARNING|FATAL|PANIC|NOTICE):\s`)
	inlineTrailerRegex = regexp.MustCompile(`\s(?:HINT|CONTEXT|STATEMENT):\s`)

	// Process 100 waits for ShareLock on transaction 5001; blocked by process 101.
	waitRegex = regexp.MustCompile(`Process (\d+) waits for (\w+) on (.+?); blocked by process (\d+)`)
	// Process 100: UPDATE accounts SET balance = balance - 1 WHERE id = 1;
	queryRegex = regexp.MustCompile(`(?s)^Process \d+: (.*)`)
	// Lines inside a segment that carry fields rather than query text.
	fieldLineRegex = regexp.MustCompile(`(?mi)^[ \t]*(?:parameters:|isolation level\b|wait_event_type\s*[=:]|wait_event\s*[=:]|xact_start\s*[=:]|transaction started at\b)`)

	isolationRegex      = regexp.MustCompile(`(?i)\bisolation level\s*[=:]?\s*(read uncommitted|read committed|repeatable read|serializable)\b`)
	waitEventTypeRegex  = regexp.MustCompile(`\bwait_event_type\s*[=:]\s*'?(\w+)`)
	waitEventRegex      = regexp.MustCompile(`\bwait_event\s*[=:]\s*'?(\w+)`)
	startTimeRegex      = regexp.MustCompile(`\b(?i:xact_start\s*[=:]|transaction started at)\s*'?(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:\s?(?:Z|[+-]\d{2}(?::?\d{2})?|[A-Z]{3,4}))?)`)
	parametersRegex     = regexp.MustCompile(`(?i)\bparameters:\s*([^\n]*)`)
	parameterValueRegex = regexp.MustCompile(`\$(\d+)\s*=\s*(NULL|'(?:[^']|'')*')`)

	// 2024-01-15 10:23:45.123 UTC [4242] ERROR:  deadlock detected
	errorLineRegex = regexp.MustCompile(`(?mi)^([^\n]*?)\bERROR:\s+deadlock detected`)
	logPIDRegex    = regexp.MustCompile(`\[(\d+)\]`)
	timestampRegex = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?)(?:\s?(Z|[+-]\d{2}(?::?\d{2})?|[A-Z]{3,4}))?`)
	// process 100 detected deadlock while waiting for ShareLock on transaction 5001 after 1000.123 ms
	detectionRegex = regexp.MustCompile(`(?i)\bprocess (\d+) detected deadlock while waiting for .*? after ([\d.]+) ms`)
	// CONTEXT:  while updating tuple (0,1) in relation "accounts"
	contextRelationRegex = regexp.MustCompile(`\bCONTEXT:[^\n]*?relation "([^"]+)"`)
	statementRegex       = regexp.MustCompile(`\bSTATEMENT:\s+([^\n]+)`)
	// ->  Seq Scan on ledger  (cost=...)
	seqScanRegex = regexp.MustCompile(`\bSeq Scan on ([\w."]+)`)

	transactionTargetRegex = regexp.MustCompile(`^transaction (\d+)`)
	virtualTargetRegex     = regexp.MustCompile(`^virtual transaction (\S+)`)
	tupleTargetRegex       = regexp.MustCompile(`^tuple \((\d+),(\d+)\) of relation (\d+) of database (\d+)`)
	relationTargetRegex    = regexp.MustCompile(`^relation (\d+) of database (\d+)`)
	extendTargetRegex      = regexp.MustCompile(`^extension of relation (\d+) of database (\d+)`)
	pageTargetRegex        = regexp.MustCompile(`^page (\d+) of relation (\d+) of database (\d+)`)
	advisoryTargetRegex    = regexp.MustCompile(`^advisory lock \[([\d,]+)\]`)
	objectTargetRegex      = regexp.MustCompile(`^object (\d+) of class (\d+) of database (\d+)`)
	speculativeTargetRegex = regexp.MustCompile(`^speculative token (\d+) of transaction (\d+)`)
)

// Lock types as PostgreSQL names them in pg_locks.locktype.
const (
	LockTypeTransaction = "transactionid"
	LockTypeVirtualXID  = "virtualxid"
	LockTypeRelation    = "relation"
	LockTypeTuple       = "tuple"
	LockTypeExtend      = "extend"
	LockTypePage        = "page"
	LockTypeAdvisory    = "advisory"
	LockTypeObject      = "object"
	LockTypeSpecToken   = "spectoken"
	LockTypeUnknown     = "unknown"
)

// SegmentFields are the values found in one process segment.
// Nil means the field was not present in the segment.
type SegmentFields struct {
	Query          *string
	LockMode       *string
	LockType       *string
	LockTarget     *string
	RelationOID    *uint32
	BlockedBy      *int
	WaitEventType  *string
	WaitEvent      *string
	IsolationLevel *string
	StartTime      *string
	Parameters     []string
}

// Segment is the text following one "Process <pid>" marker.
type Segment struct {
	PID    int
	Text   string
	Fields SegmentFields
}

// Header holds values found outside the process segments.
type Header struct {
	VictimPID       *int
	DetectedAt      *time.Time
	DetectionTimeMs *float64
	ContextRelation *string
	Statement       *string
	SeqScans        []string
}

// ExtractionResult is the flat output of Extract.
type ExtractionResult struct {
	Recognized bool
	Segments   []Segment
	Header     Header
	Warnings   []string
	Truncated  bool
}

func (r *ExtractionResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Extract splits a raw deadlock report into per-process segments and pulls
// the known fields out of each. It never fails: unrecognized input yields an
// empty result with a warning.
func Extract(raw string) ExtractionResult {
	return extract(raw, DefaultMaxInputBytes, DefaultMaxSegments)
}

func extract(raw string, maxBytes, maxSegments int) ExtractionResult {
	var res ExtractionResult

	if strings.TrimSpace(raw) == "" {
		res.warn("empty input")
		return res
	}

	if maxBytes > 0 && len(raw) > maxBytes {
		raw = truncateInput(raw, maxBytes)
		res.Truncated = true
		res.warn("input exceeds %d bytes, truncated", maxBytes)
	}

	if !deadlockMarkerRegex.MatchString(raw) {
		res.warn("input does not contain a deadlock report")
		return res
	}
	res.Recognized = true

	res.Header = extractHeader(raw, &res)

	spans := segmentSpans(raw, segmentMarkerRegex)
	if inline := segmentSpans(raw, inlineMarkerRegex); len(inline) > len(spans) {
		spans = inline
		res.warn("process markers are not on separate lines")
	}
	if len(spans) == 0 {
		res.warn("deadlock report lists no processes")
		return res
	}

	if maxSegments > 0 && len(spans) > maxSegments {
		res.warn("%d process segments exceed the limit of %d, truncated", len(spans), maxSegments)
		spans = spans[:maxSegments]
		res.Truncated = true
	}

	res.Segments = make([]Segment, 0, len(spans))
	for _, sp := range spans {
		text := trimSegment(raw[sp.start:sp.end])
		seg := Segment{PID: sp.pid, Text: text}
		seg.Fields = extractFields(sp.pid, text, &res)
		res.Segments = append(res.Segments, seg)
	}

	return res
}

// truncateInput cuts at the last newline before limit so that no line is
// split in the middle.
func truncateInput(raw string, limit int) string {
	cut := raw[:limit]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		return cut[:i]
	}
	return cut
}

type span struct {
	pid        int
	start, end int
}

func segmentSpans(raw string, marker *regexp.Regexp) []span {
	matches := marker.FindAllStringSubmatchIndex(raw, -1)
	spans := make([]span, 0, len(matches))
	for i, m := range matches {
		pid, err := strconv.Atoi(raw[m[4]:m[5]])
		if err != nil {
			continue
		}
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		spans = append(spans, span{pid: pid, start: m[2], end: end})
	}
	return spans
}

// trimSegment drops trailer lines (HINT, CONTEXT, following log entries)
// from the end of a segment.
func trimSegment(text string) string {
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		if loc := inlineTrailerRegex.FindStringIndex(text); loc != nil {
			text = text[:loc[0]]
		}
		return strings.TrimSpace(text)
	}
	if loc := trailerRegex.FindStringIndex(text[nl+1:]); loc != nil {
		text = text[:nl+1+loc[0]]
	}
	return strings.TrimSpace(text)
}

func extractFields(pid int, text string, res *ExtractionResult) SegmentFields {
	var f SegmentFields

	if mode, target, blocker, n := extractWait(text); n > 0 {
		if n > 1 {
			res.warn("process %d: %d wait descriptions in one segment, using the first", pid, n)
		}
		f.LockMode = strPtr(mode)
		f.LockTarget = strPtr(target)
		f.BlockedBy = intPtr(blocker)

		lt := parseLockTarget(target)
		f.LockType = strPtr(lt.Type)
		f.RelationOID = lt.RelationOID
		if lt.Type == LockTypeUnknown {
			res.warn("process %d: unrecognized lock target %q", pid, Redact(target))
		}
	}

	f.Query = extractQuery(text)
	f.IsolationLevel = firstMatch(isolationRegex, text, pid, "isolation level", res, strings.ToUpper)
	f.WaitEventType = firstMatch(waitEventTypeRegex, text, pid, "wait_event_type", res, nil)
	f.WaitEvent = firstMatch(waitEventRegex, text, pid, "wait_event", res, nil)
	f.StartTime = firstMatch(startTimeRegex, text, pid, "start time", res, nil)
	f.Parameters = extractParameters(text, pid, res)

	return f
}

// extractWait returns the first "waits for ... blocked by" clause and the
// number of such clauses.
func extractWait(text string) (mode, target string, blocker, n int) {
	matches := waitRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", "", 0, 0
	}
	m := matches[0]
	blocker, err := strconv.Atoi(m[4])
	if err != nil {
		return "", "", 0, 0
	}
	return m[2], strings.TrimSpace(m[3]), blocker, len(matches)
}

// extractQuery returns the statement following "Process N: ". PostgreSQL
// prints "<insufficient privilege>" style placeholders when the query is
// hidden; those count as absent.
func extractQuery(text string) *string {
	m := queryRegex.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	q := m[1]
	if loc := fieldLineRegex.FindStringIndex(q); loc != nil {
		q = q[:loc[0]]
	}
	q = strings.TrimSpace(q)
	if q == "" || (strings.HasPrefix(q, "<") && strings.HasSuffix(q, ">")) {
		return nil
	}
	return &q
}

// firstMatch returns the first capture of re, warning when there are more.
func firstMatch(re *regexp.Regexp, text string, pid int, field string, res *ExtractionResult, norm func(string) string) *string {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 && !allEqual(matches) {
		res.warn("process %d: %d values for %s, using the first", pid, len(matches), field)
	}
	v := matches[0][1]
	if norm != nil {
		v = norm(v)
	}
	return &v
}

func allEqual(matches [][]string) bool {
	for _, m := range matches[1:] {
		if !strings.EqualFold(m[1], matches[0][1]) {
			return false
		}
	}
	return true
}

// extractParameters parses "parameters: $1 = 'a', $2 = NULL" into values
// ordered by parameter number. Nil means no parameter list was present.
func extractParameters(text string, pid int, res *ExtractionResult) []string {
	lists := parametersRegex.FindAllStringSubmatch(text, -1)
	if len(lists) == 0 {
		return nil
	}
	if len(lists) > 1 {
		res.warn("process %d: %d parameter lists, using the first", pid, len(lists))
	}

	type param struct {
		n     int
		value string
	}
	var params []param
	for _, m := range parameterValueRegex.FindAllStringSubmatch(lists[0][1], -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		v := m[2]
		if v != "NULL" {
			v = strings.ReplaceAll(v[1:len(v)-1], "''", "'")
		}
		params = append(params, param{n: n, value: v})
	}
	sort.SliceStable(params, func(i, j int) bool { return params[i].n < params[j].n })

	values := make([]string, 0, len(params))
	for _, p := range params {
		values = append(values, p.value)
	}
	return values
}

type lockTarget struct {
	Type        string
	RelationOID *uint32
}

// parseLockTarget classifies the object named after "waits for <mode> on".
func parseLockTarget(target string) lockTarget {
	switch {
	case transactionTargetRegex.MatchString(target):
		return lockTarget{Type: LockTypeTransaction}
	case virtualTargetRegex.MatchString(target):
		return lockTarget{Type: LockTypeVirtualXID}
	case speculativeTargetRegex.MatchString(target):
		return lockTarget{Type: LockTypeSpecToken}
	}

	if m := tupleTargetRegex.FindStringSubmatch(target); m != nil {
		return lockTarget{Type: LockTypeTuple, RelationOID: parseOID(m[3])}
	}
	if m := relationTargetRegex.FindStringSubmatch(target); m != nil {
		return lockTarget{Type: LockTypeRelation, RelationOID: parseOID(m[1])}
	}
	if m := extendTargetRegex.FindStringSubmatch(target); m != nil {
		return lockTarget{Type: LockTypeExtend, RelationOID: parseOID(m[1])}
	}
	if m := pageTargetRegex.FindStringSubmatch(target); m != nil {
		return lockTarget{Type: LockTypePage, RelationOID: parseOID(m[2])}
	}
	if advisoryTargetRegex.MatchString(target) {
		return lockTarget{Type: LockTypeAdvisory}
	}
	if objectTargetRegex.MatchString(target) {
		return lockTarget{Type: LockTypeObject}
	}
	return lockTarget{Type: LockTypeUnknown}
}

func parseOID(s string) *uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}
	oid := uint32(v)
	return &oid
}

// extractHeader reads the values around the process list: victim pid,
// detection time and statement.
func extractHeader(raw string, res *ExtractionResult) Header {
	var h Header

	if m := errorLineRegex.FindStringSubmatch(raw); m != nil {
		prefix := m[1]
		if pm := logPIDRegex.FindStringSubmatch(prefix); pm != nil {
			if pid, err := strconv.Atoi(pm[1]); err == nil {
				h.VictimPID = &pid
			}
		}
		if ts, ok := ParseLogTimestamp(prefix); ok {
			h.DetectedAt = &ts
		}
	}

	if m := detectionRegex.FindStringSubmatch(raw); m != nil {
		if ms, err := strconv.ParseFloat(m[2], 64); err == nil {
			h.DetectionTimeMs = &ms
		}
		if pid, err := strconv.Atoi(m[1]); err == nil {
			if h.VictimPID != nil && *h.VictimPID != pid {
				res.warn("deadlock detected by process %d but reported by process %d", pid, *h.VictimPID)
			}
			if h.VictimPID == nil {
				h.VictimPID = &pid
			}
		}
	}

	if m := contextRelationRegex.FindStringSubmatch(raw); m != nil {
		h.ContextRelation = strPtr(m[1])
	}
	if m := statementRegex.FindStringSubmatch(raw); m != nil {
		h.Statement = strPtr(strings.TrimSpace(m[1]))
	}

	seen := make(map[string]bool)
	for _, m := range seqScanRegex.FindAllStringSubmatch(raw, -1) {
		name := strings.ReplaceAll(m[1], `"`, "")
		if !seen[name] {
			seen[name] = true
			h.SeqScans = append(h.SeqScans, name)
		}
	}
	sort.Strings(h.SeqScans)

	return h
}

var logTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999 -07",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseLogTimestamp finds the first timestamp in s. Zone abbreviations other
// than UTC/GMT are ignored and the time is read as UTC.
func ParseLogTimestamp(s string) (time.Time, bool) {
	m := timestampRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	value, zone := m[1], m[2]

	switch {
	case zone == "" || zone == "UTC" || zone == "GMT" || zone == "Z":
	case zone[0] == '+' || zone[0] == '-':
		value += " " + zone
	}

	for _, layout := range logTimestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
