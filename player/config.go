package player

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/logscope/logscope/player/trace"
	"gopkg.in/yaml.v3"
)

// Config holds playback session settings, loadable from a YAML file.
// Durations use Go duration strings ("120s", "16ms").
type Config struct {
	ReadAhead       time.Duration `yaml:"read_ahead"`
	MaxCacheBytes   int64         `yaml:"max_cache_bytes"`
	MaxBlockBytes   int64         `yaml:"max_block_bytes"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	MaxTickDuration time.Duration `yaml:"max_tick_duration"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	MinSpeed        float64       `yaml:"min_speed"`
	MaxSpeed        float64       `yaml:"max_speed"`
	SchemaConflict  string        `yaml:"schema_conflict"`
	TraceLevel      string        `yaml:"trace_level"`
	Sources         []string      `yaml:"sources"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() Config {
	return Config{
		ReadAhead:       120 * time.Second,
		MaxCacheBytes:   1 << 30,
		MaxBlockBytes:   16 << 20,
		TickInterval:    16 * time.Millisecond,
		MaxTickDuration: 500 * time.Millisecond,
		StallTimeout:    5 * time.Second,
		MinSpeed:        0.01,
		MaxSpeed:        100,
		SchemaConflict:  string(SchemaConflictFirstSeen),
		TraceLevel:      string(trace.TraceLevelNone),
	}
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their defaults; unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading player config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing player config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks names and parameter ranges.
func (c Config) Validate() error {
	if c.ReadAhead <= 0 {
		return fmt.Errorf("read_ahead must be positive, got %v", c.ReadAhead)
	}
	if c.MaxCacheBytes <= 0 {
		return fmt.Errorf("max_cache_bytes must be positive, got %d", c.MaxCacheBytes)
	}
	if c.MaxBlockBytes <= 0 {
		return fmt.Errorf("max_block_bytes must be positive, got %d", c.MaxBlockBytes)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.TickInterval)
	}
	if c.MaxTickDuration < 0 {
		return fmt.Errorf("max_tick_duration must be non-negative, got %v", c.MaxTickDuration)
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout must be non-negative, got %v", c.StallTimeout)
	}
	if !(c.MinSpeed > 0) {
		return fmt.Errorf("min_speed must be positive, got %f", c.MinSpeed)
	}
	if c.MaxSpeed < c.MinSpeed {
		return fmt.Errorf("max_speed (%f) must be >= min_speed (%f)", c.MaxSpeed, c.MinSpeed)
	}
	if !ValidSchemaConflictPolicies[c.SchemaConflict] {
		return fmt.Errorf("unknown schema_conflict policy %q", c.SchemaConflict)
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return fmt.Errorf("unknown trace_level %q", c.TraceLevel)
	}
	return nil
}

// CacheConfig returns the block cache bounds.
func (c Config) CacheConfig() CacheConfig {
	return CacheConfig{MaxCacheBytes: c.MaxCacheBytes, MaxBlockBytes: c.MaxBlockBytes}
}
