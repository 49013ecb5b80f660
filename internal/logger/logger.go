package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is a captured WARN or ERROR record, kept for the `dexter serve`
// health endpoint and for the CLI summary after a scan.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	// EventID is the "event_id" attribute of the record, when present.
	EventID string
}

// ringBuffer is a fixed-size circular buffer of entries.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int

	warnCount  int
	errorCount int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

func (rb *ringBuffer) add(entry Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	if entry.Level >= slog.LevelError {
		rb.errorCount++
	} else if entry.Level >= slog.LevelWarn {
		rb.warnCount++
	}
}

// recent returns up to n entries, oldest first. n <= 0 returns all of them.
func (rb *ringBuffer) recent(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	result := make([]Entry, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - n + i + rb.size) % rb.size
		result[i] = rb.entries[idx]
	}
	return result
}

func (rb *ringBuffer) counts() (warn, err int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.warnCount, rb.errorCount
}

func (rb *ringBuffer) reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.warnCount = 0
	rb.errorCount = 0
}

// captureHandler wraps another handler and records WARN and ERROR entries.
type captureHandler struct {
	inner   slog.Handler
	buffer  *ringBuffer
	eventID string
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		entry := Entry{Time: r.Time, Level: r.Level, Message: r.Message, EventID: h.eventID}
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "event_id" {
				entry.EventID = a.Value.String()
				return false
			}
			return true
		})
		h.buffer.add(entry)
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	eventID := h.eventID
	for _, a := range attrs {
		if a.Key == "event_id" {
			eventID = a.Value.String()
		}
	}
	return &captureHandler{
		inner:   h.inner.WithAttrs(attrs),
		buffer:  h.buffer,
		eventID: eventID,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{
		inner:   h.inner.WithGroup(name),
		buffer:  h.buffer,
		eventID: h.eventID,
	}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file, empty when logging to a writer
	LogPath string

	logWriter    *lumberjack.Logger
	buffer       *ringBuffer
	debugEnabled bool
)

// Options configures InitLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Path of the rotated log file. Empty means ~/.config/dexter/dexter.log.
	Path string
	// Writer, when set, replaces the rotated file. Used by tests and `--log-stderr`.
	Writer io.Writer
	// BufferSize is the number of WARN/ERROR entries kept in memory. Default 100.
	BufferSize int
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// DefaultPath returns ~/.config/dexter/dexter.log, creating the directory.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	logDir := filepath.Join(homeDir, ".config", "dexter")
	_ = os.MkdirAll(logDir, 0755)
	return filepath.Join(logDir, "dexter.log")
}

// InitLogger initializes the global logger and returns it.
func InitLogger(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	debugEnabled = level == slog.LevelDebug

	writer := opts.Writer
	if writer == nil {
		LogPath = opts.Path
		if LogPath == "" {
			LogPath = DefaultPath()
		}
		logWriter = &lumberjack.Logger{
			Filename:   LogPath,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		}
		writer = logWriter
	} else {
		LogPath = ""
	}

	size := opts.BufferSize
	if size <= 0 {
		size = 100
	}
	buffer = newRingBuffer(size)

	handler := &captureHandler{
		inner:  slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}),
		buffer: buffer,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return Log, nil
}

// Close closes the log file
func Close() {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Counts returns the number of warnings and errors logged since the last reset.
func Counts() (warn, err int) {
	if buffer == nil {
		return 0, 0
	}
	return buffer.counts()
}

// ResetCounts zeroes the warning and error counters.
func ResetCounts() {
	if buffer != nil {
		buffer.reset()
	}
}

// Recent returns up to n captured entries, oldest first.
func Recent(n int) []Entry {
	if buffer == nil {
		return nil
	}
	return buffer.recent(n)
}

// IsDebugEnabled returns true if debug logging is active.
func IsDebugEnabled() bool {
	return debugEnabled
}

// Format renders an entry as a single line.
func (e Entry) Format() string {
	levelStr := "WARN"
	if e.Level >= slog.LevelError {
		levelStr = "ERROR"
	}
	line := fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), levelStr, e.Message)
	if e.EventID != "" {
		line += " (" + e.EventID + ")"
	}
	return line
}
