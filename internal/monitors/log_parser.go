// Package monitors finds deadlock reports in PostgreSQL server logs.
package monitors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// LogFormat represents the PostgreSQL log format type.
type LogFormat string

const (
	LogFormatStderr  LogFormat = "stderr"
	LogFormatCSV     LogFormat = "csvlog"
	LogFormatJSON    LogFormat = "jsonlog"
	LogFormatUnknown LogFormat = "unknown"
)

// Report is one deadlock report found in a log file.
type Report struct {
	File    string
	Offset  int64
	Message deadlock.RawDeadlockMessage
}

// EmitFunc receives each report as it is found. Returning an error stops the scan.
type EmitFunc func(Report) error

// ProgressFunc is called with the 1-based index of the file being scanned.
type ProgressFunc func(current, total int)

// LogParser defines the interface for scanning PostgreSQL log files.
type LogParser interface {
	// ParseNewEntries scans log files from their last positions and emits
	// every complete deadlock report. Returns the number of reports emitted.
	ParseNewEntries(ctx context.Context, emit EmitFunc, progress ProgressFunc) (int, error)

	// SetPositions sets the initial file positions from persisted storage.
	SetPositions(positions map[string]int64)

	// GetPositions returns the current file positions for persistence.
	GetPositions() map[string]int64

	// ResetPositions clears all file positions to start fresh.
	ResetPositions()
}

// NewLogParser creates a log parser for the given format.
func NewLogParser(format LogFormat, logDir, logPattern string) LogParser {
	files := &fileSet{
		logDir:       logDir,
		logPattern:   patternFor(format, logPattern),
		lastPosition: make(map[string]int64),
	}
	switch format {
	case LogFormatJSON:
		return &JSONLogParser{fileSet: files}
	case LogFormatCSV:
		return &CSVLogParser{fileSet: files}
	default:
		return &DeadlockParser{fileSet: files}
	}
}

// fileSet holds the glob and per-file read positions shared by all parsers.
type fileSet struct {
	logDir       string
	logPattern   string
	lastPosition map[string]int64
	mu           sync.Mutex
}

// files returns the matching log files in name order, which for the default
// log_filename is also chronological.
func (f *fileSet) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(f.logDir, f.logPattern))
	if err != nil {
		return nil, fmt.Errorf("glob log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// SetPositions sets the initial file positions from persisted storage.
func (f *fileSet) SetPositions(positions map[string]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range positions {
		f.lastPosition[k] = v
	}
}

// GetPositions returns the current file positions for persistence.
func (f *fileSet) GetPositions() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]int64, len(f.lastPosition))
	for k, v := range f.lastPosition {
		result[k] = v
	}
	return result
}

// ResetPositions clears all file positions to start fresh.
func (f *fileSet) ResetPositions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPosition = make(map[string]int64)
}

// scanAll runs parseFile over every matching file. Errors opening or reading
// a single file are collected and do not stop the others; an error from emit
// or the context stops the scan and is returned unchanged.
func (f *fileSet) scanAll(ctx context.Context, progress ProgressFunc, parseFile func(ctx context.Context, path string, start int64) (int, int64, error)) (int, error) {
	files, err := f.files()
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if progress != nil {
			progress(i+1, len(files))
		}

		f.mu.Lock()
		start := f.lastPosition[file]
		f.mu.Unlock()

		count, pos, err := parseFile(ctx, file, start)
		total += count

		f.mu.Lock()
		f.lastPosition[file] = pos
		f.mu.Unlock()

		if err != nil {
			var stop stopError
			if errors.As(err, &stop) {
				return total, stop.err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return total, err
			}
			if firstErr == nil {
				firstErr = &FileError{Path: file, Err: err}
			}
		}
	}
	return total, firstErr
}

// FileError is a failure to read one log file. Scanning continues with the
// other files and the first FileError is returned at the end.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// stopError marks errors returned by EmitFunc.
type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// lineReader yields complete lines with their byte offsets. A trailing line
// without a newline is left unread so the next scan picks it up whole.
type lineReader struct {
	r   *bufio.Reader
	pos int64
}

// openAt opens path and positions it at start, or at 0 when the file is
// shorter than start (it was truncated or rotated in place).
func openAt(path string, start int64) (*os.File, *lineReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if start > info.Size() {
		start = 0
	}
	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			start = 0
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				file.Close()
				return nil, nil, err
			}
		}
	}
	return file, &lineReader{r: bufio.NewReaderSize(file, 64*1024), pos: start}, nil
}

// next returns the next line without its line ending and the offset it starts at.
func (lr *lineReader) next() (string, int64, bool, error) {
	line, err := lr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", lr.pos, false, nil
		}
		return "", lr.pos, false, err
	}
	offset := lr.pos
	lr.pos += int64(len(line))
	line = strings.TrimRight(line, "\r\n")
	return line, offset, true, nil
}

func eventID(file string, offset int64) string {
	return fmt.Sprintf("%s:%d", filepath.Base(file), offset)
}
