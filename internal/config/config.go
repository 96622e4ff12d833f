// Package config holds the runtime configuration for the tuscheduler
// server: worker pool sizing, debounce and retention policy, throttling,
// and the observability settings passed through to internal/observability.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotuscheduler/tuscheduler/internal/debounce"
)

// Default values, applied by LoadConfig via viper.SetDefault so that a
// missing config file and unset env vars still produce a usable Config.
const (
	DefaultAsyncThreadsCount        = 4
	DefaultDebounceMin              = 50 * time.Millisecond
	DefaultDebounceMax              = 2 * time.Second
	DefaultDebounceRebuildRatio     = 1.0
	DefaultMaxRetainedASTs          = 8
	DefaultConcurrentPreambleBuilds = 0 // 0 = unbounded
	DefaultBlockUntilIdleTimeoutSec = 30
	DefaultLogLevel                 = "info"
)

// Sentinel errors, one per invariant checked by Validate.
var (
	ErrInvalidAsyncThreadsCount        = errors.New("config: async_threads_count must be >= 0")
	ErrInvalidDebounceMin              = errors.New("config: debounce.min must be > 0")
	ErrInvalidDebounceMax              = errors.New("config: debounce.max must be >= debounce.min")
	ErrInvalidDebounceRebuildRatio     = errors.New("config: debounce.rebuild_ratio must be > 0")
	ErrInvalidMaxRetainedASTs          = errors.New("config: retention.max_retained_asts must be >= 0")
	ErrInvalidConcurrentPreambleBuilds = errors.New("config: throttle.concurrent_preamble_builds must be >= 0")
	ErrInvalidBlockUntilIdleTimeout    = errors.New("config: block_until_idle_timeout_sec must be > 0")
	ErrInvalidLogLevel                 = errors.New("config: log.level must be one of debug, info, warn, error")
)

// DebounceConfig mirrors debounce.Policy's tunables.
type DebounceConfig struct {
	Min          time.Duration `mapstructure:"min"`
	Max          time.Duration `mapstructure:"max"`
	RebuildRatio float64       `mapstructure:"rebuild_ratio"`
}

// Policy converts the config into a debounce.Policy.
func (d DebounceConfig) Policy() debounce.Policy {
	return debounce.Policy{Min: d.Min, Max: d.Max, RebuildRatio: d.RebuildRatio}
}

// RetentionConfig bounds the AST cache.
type RetentionConfig struct {
	MaxRetainedASTs int `mapstructure:"max_retained_asts"`
}

// ThrottleConfig bounds preamble build concurrency.
type ThrottleConfig struct {
	ConcurrentPreambleBuilds int `mapstructure:"concurrent_preamble_builds"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// OTLPConfig controls the optional OTel exporter.
type OTLPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
	Insecure bool              `mapstructure:"insecure"`
}

// DiagnosticsConfig controls the optional /healthz, /readyz, /metrics
// HTTP server. An empty Addr disables it.
type DiagnosticsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the top-level tuscheduler configuration.
type Config struct {
	AsyncThreadsCount        int               `mapstructure:"async_threads_count"`
	BlockUntilIdleTimeoutSec int               `mapstructure:"block_until_idle_timeout_sec"`
	Debounce                 DebounceConfig    `mapstructure:"debounce"`
	Retention                RetentionConfig   `mapstructure:"retention"`
	Throttle                 ThrottleConfig    `mapstructure:"throttle"`
	Log                      LogConfig         `mapstructure:"log"`
	OTLP                     OTLPConfig        `mapstructure:"otlp"`
	Diagnostics              DiagnosticsConfig `mapstructure:"diagnostics"`
	// CompileCommandsPath, if set, is loaded as a compile_commands.json
	// database that resolves each updated file's compile command.
	CompileCommandsPath string `mapstructure:"compile_commands_path"`
}

// BlockUntilIdleTimeout returns the configured timeout as a time.Duration.
func (c Config) BlockUntilIdleTimeout() time.Duration {
	return time.Duration(c.BlockUntilIdleTimeoutSec) * time.Second
}

// Validate checks every invariant on Config, returning every violation
// joined via errors.Join so callers see all problems at once.
func (c Config) Validate() error {
	return errors.Join(
		c.validateThreading(),
		c.validateDebounce(),
		c.validateRetention(),
		c.validateThrottle(),
		c.validateLog(),
	)
}

func (c Config) validateThreading() error {
	if c.AsyncThreadsCount < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAsyncThreadsCount, c.AsyncThreadsCount)
	}

	if c.BlockUntilIdleTimeoutSec <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBlockUntilIdleTimeout, c.BlockUntilIdleTimeoutSec)
	}

	return nil
}

func (c Config) validateDebounce() error {
	if c.Debounce.Min <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidDebounceMin, c.Debounce.Min)
	}

	if c.Debounce.Max < c.Debounce.Min {
		return fmt.Errorf("%w: min=%s max=%s", ErrInvalidDebounceMax, c.Debounce.Min, c.Debounce.Max)
	}

	if c.Debounce.RebuildRatio <= 0 {
		return fmt.Errorf("%w: got %f", ErrInvalidDebounceRebuildRatio, c.Debounce.RebuildRatio)
	}

	return nil
}

func (c Config) validateRetention() error {
	if c.Retention.MaxRetainedASTs < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRetainedASTs, c.Retention.MaxRetainedASTs)
	}

	return nil
}

func (c Config) validateThrottle() error {
	if c.Throttle.ConcurrentPreambleBuilds < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrentPreambleBuilds, c.Throttle.ConcurrentPreambleBuilds)
	}

	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c Config) validateLog() error {
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("%w: got %q", ErrInvalidLogLevel, c.Log.Level)
	}

	return nil
}
