package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/willibrandon/dexter/internal/deadlock"
)

// AnalyzerConfig holds the deadlock analyzer limits and severity cutoffs.
type AnalyzerConfig struct {
	// CriticalTables raise severity when they appear in a cycle.
	// Entries may be schema-qualified ("billing.ledger").
	CriticalTables []string `mapstructure:"critical_tables"`

	MaxInputBytes int `mapstructure:"max_input_bytes"` // default: 256 KiB
	MaxSegments   int `mapstructure:"max_segments"`    // default: 128
	MaxCycles     int `mapstructure:"max_cycles"`      // default: 50
	MaxSteps      int `mapstructure:"max_steps"`       // default: 100000

	Severity deadlock.Thresholds `mapstructure:"severity"`
}

// Options converts the section into analyzer options.
func (c AnalyzerConfig) Options() deadlock.Options {
	return deadlock.Options{
		CriticalTables: append([]string(nil), c.CriticalTables...),
		MaxInputBytes:  c.MaxInputBytes,
		MaxSegments:    c.MaxSegments,
		MaxCycles:      c.MaxCycles,
		MaxSteps:       c.MaxSteps,
		Thresholds:     c.Severity,
	}
}

func (c AnalyzerConfig) validate() error {
	limits := []struct {
		key string
		val int
		min int
	}{
		{"analyzer.max_input_bytes", c.MaxInputBytes, 1024},
		{"analyzer.max_segments", c.MaxSegments, 2},
		{"analyzer.max_cycles", c.MaxCycles, 1},
		{"analyzer.max_steps", c.MaxSteps, 100},
	}
	for _, l := range limits {
		if l.val < l.min {
			return fmt.Errorf("%s must be >= %d, got %d", l.key, l.min, l.val)
		}
	}

	t := c.Severity
	if t.HighCycleCount > t.CriticalCycleCount {
		return fmt.Errorf("analyzer.severity.high_cycle_count (%d) must be <= critical_cycle_count (%d)",
			t.HighCycleCount, t.CriticalCycleCount)
	}
	if t.MediumTableCount > t.HighTableCount {
		return fmt.Errorf("analyzer.severity.medium_table_count (%d) must be <= high_table_count (%d)",
			t.MediumTableCount, t.HighTableCount)
	}
	return nil
}

func applyAnalyzerDefaults(v *viper.Viper) {
	t := deadlock.DefaultThresholds()

	v.SetDefault("analyzer.critical_tables", []string{})
	v.SetDefault("analyzer.max_input_bytes", deadlock.DefaultMaxInputBytes)
	v.SetDefault("analyzer.max_segments", deadlock.DefaultMaxSegments)
	v.SetDefault("analyzer.max_cycles", deadlock.DefaultMaxCycles)
	v.SetDefault("analyzer.max_steps", deadlock.DefaultMaxSteps)

	v.SetDefault("analyzer.severity.critical_cycle_count", t.CriticalCycleCount)
	v.SetDefault("analyzer.severity.critical_table_cycle_length", t.CriticalTableCycleLength)
	v.SetDefault("analyzer.severity.high_cycle_count", t.HighCycleCount)
	v.SetDefault("analyzer.severity.high_cycle_length", t.HighCycleLength)
	v.SetDefault("analyzer.severity.high_table_count", t.HighTableCount)
	v.SetDefault("analyzer.severity.medium_table_count", t.MediumTableCount)
}
