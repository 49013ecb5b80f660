package monitors

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// JSONLogParser scans PostgreSQL jsonlog files (PostgreSQL 15+).
type JSONLogParser struct {
	*fileSet
}

// JSONLogEntry represents the fields of a jsonlog entry that a deadlock report uses.
type JSONLogEntry struct {
	Timestamp       string `json:"timestamp"`
	User            string `json:"user"`
	Dbname          string `json:"dbname"`
	Pid             int    `json:"pid"`
	ErrorSeverity   string `json:"error_severity"`
	StateCode       string `json:"state_code"`
	Message         string `json:"message"`
	Detail          string `json:"detail"`
	Hint            string `json:"hint"`
	Context         string `json:"context"`
	Statement       string `json:"statement"`
	ApplicationName string `json:"application_name"`
}

// ParseNewEntries scans JSON log files for new deadlock reports.
func (p *JSONLogParser) ParseNewEntries(ctx context.Context, emit EmitFunc, progress ProgressFunc) (int, error) {
	return p.scanAll(ctx, progress, func(ctx context.Context, path string, start int64) (int, int64, error) {
		return p.parseFile(ctx, path, start, emit)
	})
}

func (p *JSONLogParser) parseFile(ctx context.Context, path string, start int64, emit EmitFunc) (int, int64, error) {
	file, lr, err := openAt(path, start)
	if err != nil {
		return 0, start, err
	}
	defer file.Close()

	detection := make(map[int]pendingEntry)
	parsed := 0

	for {
		if err := ctx.Err(); err != nil {
			return parsed, lr.pos, err
		}

		line, offset, ok, err := lr.next()
		if err != nil {
			return parsed, offset, err
		}
		if !ok {
			break
		}
		if line == "" {
			continue
		}

		var entry JSONLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		if entry.ErrorSeverity == "LOG" && detectionLineRegex.MatchString("LOG:  "+entry.Message) {
			detection[entry.Pid] = pendingEntry{message: entry.Message, offset: offset}
			continue
		}

		if entry.ErrorSeverity != "ERROR" || !strings.Contains(entry.Message, "deadlock detected") {
			continue
		}

		e := logEvent{
			timestamp: entry.Timestamp,
			pid:       entry.Pid,
			detail:    entry.Detail,
			hint:      entry.Hint,
			context:   entry.Context,
			statement: entry.Statement,
		}
		reportOffset := offset
		if d, ok := detection[entry.Pid]; ok {
			e.detection = d.message
			reportOffset = d.offset
			delete(detection, entry.Pid)
		}

		if err := emit(e.report(path, reportOffset)); err != nil {
			return parsed, reportOffset, stopError{err}
		}
		parsed++
	}

	return parsed, lr.pos, nil
}

// pendingEntry is a detection message waiting for its ERROR entry.
type pendingEntry struct {
	message string
	offset  int64
}

// logEvent is a deadlock ERROR taken from a structured log entry.
type logEvent struct {
	timestamp string
	pid       int
	detection string
	detail    string
	hint      string
	context   string
	statement string
}

// report renders the entry in stderr layout, which is what the analyzer reads.
func (e logEvent) report(path string, offset int64) Report {
	prefix := strings.TrimSpace(e.timestamp)
	if e.pid > 0 {
		prefix += " [" + strconv.Itoa(e.pid) + "]"
	}
	prefix = strings.TrimSpace(prefix)
	if prefix != "" {
		prefix += " "
	}

	var b strings.Builder
	if e.detection != "" {
		b.WriteString(prefix + "LOG:  " + e.detection + "\n")
	}
	b.WriteString(prefix + "ERROR:  deadlock detected")
	for _, f := range []struct{ key, value string }{
		{"DETAIL", e.detail},
		{"HINT", e.hint},
		{"CONTEXT", e.context},
		{"STATEMENT", e.statement},
	} {
		if f.value == "" {
			continue
		}
		b.WriteString("\n" + prefix + f.key + ":  " + strings.ReplaceAll(f.value, "\n", "\n\t"))
	}

	msg := deadlock.RawDeadlockMessage{
		EventID: eventID(path, offset),
		Backend: "postgresql",
		Text:    b.String(),
	}
	if ts, ok := deadlock.ParseLogTimestamp(e.timestamp); ok {
		msg.Timestamp = &ts
	}
	return Report{File: path, Offset: offset, Message: msg}
}
