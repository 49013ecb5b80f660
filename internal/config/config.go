package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure
type Config struct {
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Logs       LogsConfig       `mapstructure:"logs"`
	Connection ConnectionConfig `mapstructure:"connection"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFile    string           `mapstructure:"log_file"`
	Debug      bool             `mapstructure:"debug"`
}

// ConnectionConfig holds the optional database connection used to resolve
// relation OIDs. Resolution is skipped when Enabled is false.
type ConnectionConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	PasswordCommand string `mapstructure:"password_command"`
	SSLMode         string `mapstructure:"sslmode"`
	SSLRootCert     string `mapstructure:"sslrootcert"`
	SSLCert         string `mapstructure:"sslcert"`
	SSLKey          string `mapstructure:"sslkey"`
	PoolMaxConns    int    `mapstructure:"pool_max_conns"`
	PoolMinConns    int    `mapstructure:"pool_min_conns"`
}

// LoadConfig loads configuration from a YAML file and DEXTER_* environment
// variables. An empty path searches $HOME/.config/dexter and the working
// directory; a missing file there is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/dexter")
		v.AddConfigPath(".")
	}

	// Environment variable support
	v.SetEnvPrefix("DEXTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// AutomaticEnv does not split lists
	if env := os.Getenv("DEXTER_ANALYZER_CRITICAL_TABLES"); env != "" {
		config.Analyzer.CriticalTables = splitList(env)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	if err := cfg.Analyzer.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logs.validate(); err != nil {
		return err
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(cfg.LogLevel)) {
		return fmt.Errorf("log_level must be one of: %v, got %s", validLevels, cfg.LogLevel)
	}

	if !cfg.Connection.Enabled {
		return nil
	}
	if cfg.Connection.Host == "" {
		return fmt.Errorf("connection.host cannot be empty")
	}
	if cfg.Connection.Port < 1 || cfg.Connection.Port > 65535 {
		return fmt.Errorf("connection.port must be between 1 and 65535, got %d", cfg.Connection.Port)
	}
	if cfg.Connection.Database == "" {
		return fmt.Errorf("connection.database cannot be empty")
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, cfg.Connection.SSLMode) {
		return fmt.Errorf("connection.sslmode must be one of: %v, got %s", validSSLModes, cfg.Connection.SSLMode)
	}

	if cfg.Connection.PoolMaxConns < 1 {
		return fmt.Errorf("connection.pool_max_conns must be >= 1, got %d", cfg.Connection.PoolMaxConns)
	}
	if cfg.Connection.PoolMinConns < 0 {
		return fmt.Errorf("connection.pool_min_conns must be >= 0, got %d", cfg.Connection.PoolMinConns)
	}
	if cfg.Connection.PoolMaxConns < cfg.Connection.PoolMinConns {
		return fmt.Errorf("connection.pool_max_conns (%d) must be >= pool_min_conns (%d)",
			cfg.Connection.PoolMaxConns, cfg.Connection.PoolMinConns)
	}

	return nil
}

// applyDefaults sets default configuration values
func applyDefaults(v *viper.Viper) {
	applyAnalyzerDefaults(v)
	applyStorageDefaults(v)
	applyServerDefaults(v)
	applyLogsDefaults(v)

	// Connection defaults
	v.SetDefault("connection.enabled", false)
	v.SetDefault("connection.host", "localhost")
	v.SetDefault("connection.port", 5432)
	v.SetDefault("connection.database", "postgres")

	if user := os.Getenv("USER"); user != "" {
		v.SetDefault("connection.user", user)
	} else {
		v.SetDefault("connection.user", "postgres")
	}

	v.SetDefault("connection.sslmode", "prefer")
	v.SetDefault("connection.pool_max_conns", 4)
	v.SetDefault("connection.pool_min_conns", 0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
