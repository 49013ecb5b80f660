package config

import (
	"fmt"
	"slices"

	"github.com/spf13/viper"
)

// LogsConfig holds configuration for scanning PostgreSQL server logs.
type LogsConfig struct {
	// Directory is the PostgreSQL log_directory to scan.
	Directory string `mapstructure:"directory"`

	// Pattern selects log files inside Directory (default: "postgresql-*").
	Pattern string `mapstructure:"pattern"`

	// Format is the log_destination format.
	// Options: "auto" (default, by file extension), "stderr", "csvlog", "jsonlog"
	Format string `mapstructure:"format"`

	// Concurrency bounds the number of reports analyzed at once (default: 4).
	Concurrency int `mapstructure:"concurrency"`
}

func (c LogsConfig) validate() error {
	validFormats := []string{"auto", "stderr", "csvlog", "jsonlog"}
	if !slices.Contains(validFormats, c.Format) {
		return fmt.Errorf("logs.format must be one of: %v, got %s", validFormats, c.Format)
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("logs.concurrency must be between 1 and 64, got %d", c.Concurrency)
	}
	return nil
}

func applyLogsDefaults(v *viper.Viper) {
	v.SetDefault("logs.directory", "")
	v.SetDefault("logs.pattern", "postgresql-*")
	v.SetDefault("logs.format", "auto")
	v.SetDefault("logs.concurrency", 4)
}
