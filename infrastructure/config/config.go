// Package config provides configuration loading for the script layer.
// Values come from a YAML file when one is supplied, otherwise from
// environment variables (with optional .env loading in the entrypoint).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count decodable from strings like "64MiB", "512KiB" or
// a plain number of bytes.
type ByteSize int64

// Decode implements envdecode.Decoder.
func (b *ByteSize) Decode(repl string) error {
	v, err := ParseByteSize(repl)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return b.Decode(raw)
}

// ParseByteSize parses "64MiB"/"512KiB"/"1GiB" style sizes or raw byte counts.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "GIB"):
		multiplier = 1 << 30
		upper = strings.TrimSuffix(upper, "GIB")
	case strings.HasSuffix(upper, "MIB"):
		multiplier = 1 << 20
		upper = strings.TrimSuffix(upper, "MIB")
	case strings.HasSuffix(upper, "KIB"):
		multiplier = 1 << 10
		upper = strings.TrimSuffix(upper, "KIB")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n * multiplier), nil
}

// Duration is a time.Duration decodable from "5s"/"200ms" in both env and
// YAML sources.
type Duration time.Duration

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(repl string) error {
	v, err := time.ParseDuration(strings.TrimSpace(repl))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", repl, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.Decode(raw)
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every tunable of the script layer daemon.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080" yaml:"http_addr"`
	LogLevel  string `env:"LOG_LEVEL,default=info" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT,default=json" yaml:"log_format"`

	// Engine limits
	PoolSize     int           `env:"ENGINE_POOL_SIZE,default=3" yaml:"pool_size"`
	CacheSize    int           `env:"SCRIPT_CACHE_SIZE,default=100" yaml:"cache_size"`
	MemoryLimit  ByteSize      `env:"ENGINE_MEMORY_LIMIT,default=64MiB" yaml:"memory_limit"`
	MaxCallStack int           `env:"ENGINE_MAX_CALL_STACK,default=2048" yaml:"max_call_stack"`
	Timeout      Duration `env:"EXECUTION_TIMEOUT,default=5s" yaml:"timeout"`

	// Execute endpoint rate limiting
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND,default=100" yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST,default=200" yaml:"rate_limit_burst"`

	// Storage: empty DSN selects the in-memory store
	DatabaseURL string `env:"DATABASE_URL,default=" yaml:"database_url"`

	// Scheduler for stored scripts with a cron expression
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED,default=true" yaml:"scheduler_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		LogFormat:          "json",
		PoolSize:           3,
		CacheSize:          100,
		MemoryLimit:        64 << 20,
		MaxCallStack:       2048,
		Timeout:            Duration(5 * time.Second),
		RateLimitPerSecond: 100,
		RateLimitBurst:     200,
		SchedulerEnabled:   true,
	}
}

// FromEnv decodes the configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode env config: %w", err)
	}
	return cfg, nil
}

// FromFile loads a YAML configuration file over the defaults. Environment
// variables are not consulted; the entrypoint decides which source wins.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("memory_limit must be positive")
	}
	return nil
}
