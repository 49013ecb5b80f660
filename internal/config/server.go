package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP endpoint used by the dashboard.
type ServerConfig struct {
	Bind         string        `mapstructure:"bind"`          // default: 127.0.0.1
	Port         int           `mapstructure:"port"`          // default: 8089
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // default: 10s
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // default: 30s
	// MaxBodyBytes caps request bodies. Reports beyond the analyzer input cap
	// are truncated anyway, so this only guards the reader.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("server.max_body_bytes must be >= 1024, got %d", c.MaxBodyBytes)
	}
	return nil
}

func applyServerDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1<<20)
}
