package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// StorageConfig configures the SQLite analysis history.
type StorageConfig struct {
	// Enabled turns the history cache on. When off, every request is analyzed afresh.
	Enabled bool `mapstructure:"enabled"`

	// Path is the SQLite file. Empty means ~/.config/dexter/dexter.db.
	Path string `mapstructure:"path"`

	// Retention is how long analyses are kept (default: 720h/30d).
	Retention time.Duration `mapstructure:"retention"`
}

// ResolvedPath returns Path, or the default location when Path is empty.
func (c StorageConfig) ResolvedPath() string {
	if c.Path != "" {
		return c.Path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".config", "dexter", "dexter.db")
}

func (c StorageConfig) validate() error {
	if c.Retention < time.Hour || c.Retention > 8760*time.Hour {
		return fmt.Errorf("storage.retention must be between 1h and 8760h, got %v", c.Retention)
	}
	return nil
}

func applyStorageDefaults(v *viper.Viper) {
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.retention", "720h")
}
