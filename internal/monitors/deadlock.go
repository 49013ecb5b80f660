package monitors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/willibrandon/dexter/internal/config"
)

// PositionStore persists per-file read positions between runs.
type PositionStore interface {
	GetLogPositions(ctx context.Context) (map[string]int64, error)
	SaveLogPosition(ctx context.Context, filePath string, position int64) error
}

// DeadlockMonitor watches a PostgreSQL log directory for deadlock reports.
type DeadlockMonitor struct {
	store    PositionStore
	parser   LogParser
	parserMu sync.Mutex // Protects parser field
	format   LogFormat
	logDir   string
	interval time.Duration
	log      *slog.Logger
}

// NewDeadlockMonitor creates a monitor for the configured log directory and
// restores persisted positions from store. store may be nil, in which case
// every run starts from the beginning of each file.
func NewDeadlockMonitor(ctx context.Context, cfg config.LogsConfig, store PositionStore, log *slog.Logger) (*DeadlockMonitor, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("logs.directory is not set")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	format := ResolveFormat(cfg.Format, cfg.Pattern)
	m := &DeadlockMonitor{
		store:    store,
		parser:   NewLogParser(format, cfg.Directory, cfg.Pattern),
		format:   format,
		logDir:   cfg.Directory,
		interval: 10 * time.Second,
		log:      log,
	}

	if store != nil {
		positions, err := store.GetLogPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("load log positions: %w", err)
		}
		m.parser.SetPositions(positions)
	}

	return m, nil
}

// Format returns the log format being scanned.
func (m *DeadlockMonitor) Format() LogFormat {
	return m.format
}

// GetLogDirectory returns the configured log directory (for display purposes).
func (m *DeadlockMonitor) GetLogDirectory() string {
	return m.logDir
}

// SetInterval sets the polling interval used by Run.
func (m *DeadlockMonitor) SetInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// ParseOnce scans the log files once, emitting each new report, and saves
// the resulting positions.
func (m *DeadlockMonitor) ParseOnce(ctx context.Context, emit EmitFunc, progress ProgressFunc) (int, error) {
	m.parserMu.Lock()
	defer m.parserMu.Unlock()

	count, err := m.parser.ParseNewEntries(ctx, emit, progress)
	if err != nil {
		m.log.Warn("log scan incomplete", "directory", m.logDir, "reports", count, "error", err)
	}

	if m.store != nil {
		// Save on a fresh context so a cancelled scan still records its progress
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for filePath, pos := range m.parser.GetPositions() {
			if serr := m.store.SaveLogPosition(saveCtx, filePath, pos); serr != nil {
				m.log.Error("failed to save log position", "file", filePath, "error", serr)
			}
		}
	}

	return count, err
}

// Run parses the logs immediately and then on every interval until ctx is
// cancelled. Scan errors are logged and do not stop the loop; an error
// returned by emit does.
func (m *DeadlockMonitor) Run(ctx context.Context, emit EmitFunc) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.ParseOnce(ctx, emit, nil); err != nil && ctx.Err() == nil {
			var fileErr *FileError
			if !errors.As(err, &fileErr) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ResetPositions clears in-memory log positions after a reset.
func (m *DeadlockMonitor) ResetPositions() {
	m.parserMu.Lock()
	defer m.parserMu.Unlock()
	m.parser.ResetPositions()
}
