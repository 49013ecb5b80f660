package db

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool and pgx.Conn used by this package.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoggingConfig contains PostgreSQL logging configuration settings.
type LoggingConfig struct {
	LoggingCollector bool
	LogDirectory     string
	LogFilename      string
	DataDirectory    string
	LogDestination   string
}

// GetLoggingConfig retrieves PostgreSQL logging configuration.
func GetLoggingConfig(ctx context.Context, q Querier) (LoggingConfig, error) {
	var cfg LoggingConfig

	var collector string
	settings := []struct {
		name string
		dst  *string
	}{
		{"logging_collector", &collector},
		{"log_directory", &cfg.LogDirectory},
		{"log_filename", &cfg.LogFilename},
		// log_directory may be relative to this
		{"data_directory", &cfg.DataDirectory},
		{"log_destination", &cfg.LogDestination},
	}
	for _, s := range settings {
		if err := q.QueryRow(ctx, "SELECT current_setting($1)", s.name).Scan(s.dst); err != nil {
			return cfg, fmt.Errorf("get %s: %w", s.name, err)
		}
	}
	cfg.LoggingCollector = collector == "on"

	return cfg, nil
}

// ResolvedDirectory returns LogDirectory made absolute against DataDirectory.
func (c LoggingConfig) ResolvedDirectory() string {
	if c.LogDirectory == "" || filepath.IsAbs(c.LogDirectory) {
		return c.LogDirectory
	}
	return filepath.Join(c.DataDirectory, c.LogDirectory)
}

// Format returns the logs.format value matching log_destination. jsonlog
// wins over csvlog, which wins over stderr, when several are configured.
func (c LoggingConfig) Format() string {
	dest := strings.ToLower(c.LogDestination)
	switch {
	case strings.Contains(dest, "jsonlog"):
		return "jsonlog"
	case strings.Contains(dest, "csvlog"):
		return "csvlog"
	default:
		return "stderr"
	}
}
