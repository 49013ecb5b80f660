package monitors

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
)

// CSVLogParser scans PostgreSQL csvlog files.
type CSVLogParser struct {
	*fileSet
}

// CSV column indices
const (
	csvLogTime       = 0
	csvProcessID     = 3
	csvErrorSeverity = 11
	csvMessage       = 13
	csvDetail        = 14
	csvHint          = 15
	csvContext       = 18
	csvQuery         = 19
)

// ParseNewEntries scans CSV log files for new deadlock reports.
func (p *CSVLogParser) ParseNewEntries(ctx context.Context, emit EmitFunc, progress ProgressFunc) (int, error) {
	return p.scanAll(ctx, progress, func(ctx context.Context, path string, start int64) (int, int64, error) {
		return p.parseFile(ctx, path, start, emit)
	})
}

func (p *CSVLogParser) parseFile(ctx context.Context, path string, start int64, emit EmitFunc) (int, int64, error) {
	file, lr, err := openAt(path, start)
	if err != nil {
		return 0, start, err
	}
	defer file.Close()
	start = lr.pos

	reader := csv.NewReader(bufio.NewReaderSize(file, 64*1024))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	detection := make(map[int]pendingEntry)
	parsed := 0
	pos := start

	for {
		if err := ctx.Err(); err != nil {
			return parsed, pos, err
		}

		recordStart := pos
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		pos = start + reader.InputOffset()
		if err != nil {
			continue
		}
		if len(record) <= csvMessage {
			continue
		}

		pid, _ := strconv.Atoi(record[csvProcessID])
		severity := record[csvErrorSeverity]
		message := record[csvMessage]

		if severity == "LOG" && detectionLineRegex.MatchString("LOG:  "+message) {
			detection[pid] = pendingEntry{message: message, offset: recordStart}
			continue
		}
		if severity != "ERROR" || !strings.Contains(message, "deadlock detected") {
			continue
		}

		e := logEvent{
			timestamp: record[csvLogTime],
			pid:       pid,
			detail:    field(record, csvDetail),
			hint:      field(record, csvHint),
			context:   field(record, csvContext),
			statement: field(record, csvQuery),
		}
		reportOffset := recordStart
		if d, ok := detection[pid]; ok {
			e.detection = d.message
			reportOffset = d.offset
			delete(detection, pid)
		}

		if err := emit(e.report(path, reportOffset)); err != nil {
			return parsed, reportOffset, stopError{err}
		}
		parsed++
	}

	return parsed, pos, nil
}

func field(record []string, i int) string {
	if i < len(record) {
		return record[i]
	}
	return ""
}
