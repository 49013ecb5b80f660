package monitors

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// maxBlockBytes bounds the text collected for one report. The analyzer
// truncates far below this.
const maxBlockBytes = 1 << 20

// Regex patterns for parsing PostgreSQL stderr log lines
var (
	// 2025-11-23 00:15:52.554 PST [79638] [psql] ERROR:  deadlock detected
	errorLineRegex = regexp.MustCompile(`\bERROR:\s+deadlock detected`)
	// process 83853 detected deadlock while waiting for ShareLock on transaction 4370 after 1001.189 ms
	detectionLineRegex = regexp.MustCompile(`\bLOG:\s+process (\d+) detected deadlock while waiting`)
	// Follow-up lines of the same log entry: DETAIL, HINT, CONTEXT, STATEMENT
	followUpRegex = regexp.MustCompile(`^(.*?)\b(?:DETAIL|HINT|CONTEXT|STATEMENT):\s`)
	logPIDRegex   = regexp.MustCompile(`\[(\d+)\]`)
)

// DeadlockParser scans stderr-format PostgreSQL logs.
type DeadlockParser struct {
	*fileSet
}

// NewDeadlockParser creates a new stderr log parser.
func NewDeadlockParser(logDir, logPattern string) *DeadlockParser {
	return NewLogParser(LogFormatStderr, logDir, logPattern).(*DeadlockParser)
}

// ParseNewEntries scans log files for new deadlock reports.
func (p *DeadlockParser) ParseNewEntries(ctx context.Context, emit EmitFunc, progress ProgressFunc) (int, error) {
	return p.scanAll(ctx, progress, func(ctx context.Context, path string, start int64) (int, int64, error) {
		return p.parseFile(ctx, path, start, emit)
	})
}

// stderrBlock accumulates the lines of one deadlock report.
type stderrBlock struct {
	pid    int
	offset int64
	lines  []string
	size   int
	header string
}

func (b *stderrBlock) add(line string) {
	if b.size+len(line) > maxBlockBytes {
		return
	}
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
}

// accepts reports whether line continues the report: indented continuation
// lines, or DETAIL/HINT/CONTEXT/STATEMENT entries from the same backend.
func (b *stderrBlock) accepts(line string) bool {
	if line == "" {
		return false
	}
	if line[0] == '\t' || line[0] == ' ' {
		return true
	}
	m := followUpRegex.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	pid := extractLogPID(m[1])
	return pid == 0 || b.pid == 0 || pid == b.pid
}

func (b *stderrBlock) report(path string) Report {
	msg := deadlock.RawDeadlockMessage{
		EventID: eventID(path, b.offset),
		Backend: "postgresql",
		Text:    strings.Join(b.lines, "\n"),
	}
	if ts, ok := deadlock.ParseLogTimestamp(b.header); ok {
		msg.Timestamp = &ts
	}
	return Report{File: path, Offset: b.offset, Message: msg}
}

// parseFile scans one file from start and returns the reports emitted and
// the position to resume from.
func (p *DeadlockParser) parseFile(ctx context.Context, path string, start int64, emit EmitFunc) (int, int64, error) {
	file, lr, err := openAt(path, start)
	if err != nil {
		return 0, start, err
	}
	defer file.Close()

	var (
		block     *stderrBlock
		detection = make(map[int]pendingLine)
		parsed    int
	)

	flush := func() error {
		if block == nil {
			return nil
		}
		b := block
		block = nil
		if err := emit(b.report(path)); err != nil {
			return stopError{err}
		}
		parsed++
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			resume := lr.pos
			if block != nil {
				resume = block.offset
			}
			return parsed, resume, err
		}

		line, offset, ok, err := lr.next()
		if err != nil {
			return parsed, offset, err
		}
		if !ok {
			break
		}

		if block != nil {
			if block.accepts(line) {
				block.add(line)
				continue
			}
			blockStart := block.offset
			if err := flush(); err != nil {
				return parsed, blockStart, err
			}
		}

		// The LOG line naming the wait time precedes the ERROR from the same backend
		if m := detectionLineRegex.FindStringSubmatch(line); m != nil {
			pid, _ := strconv.Atoi(m[1])
			detection[pid] = pendingLine{text: line, offset: offset}
			continue
		}

		if errorLineRegex.MatchString(line) {
			pid := extractLogPID(line[:errorLineRegex.FindStringIndex(line)[0]])
			block = &stderrBlock{pid: pid, offset: offset, header: line}
			if d, ok := detection[pid]; ok && pid != 0 {
				block.offset = d.offset
				block.add(d.text)
				delete(detection, pid)
			}
			block.add(line)
		}
	}

	if block != nil {
		blockStart := block.offset
		if err := flush(); err != nil {
			return parsed, blockStart, err
		}
	}

	return parsed, lr.pos, nil
}

// pendingLine is a detection line waiting for its ERROR entry.
type pendingLine struct {
	text   string
	offset int64
}

// extractLogPID extracts PID from log line format [PID]
func extractLogPID(prefix string) int {
	matches := logPIDRegex.FindStringSubmatch(prefix)
	if len(matches) >= 2 {
		pid, _ := strconv.Atoi(matches[1])
		return pid
	}
	return 0
}
