// Package common provides shared utilities for ForkerGo.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the replication engine (spec §6).
type Config struct {
	Environment string        `toml:"environment"`
	Engine      EngineConfig  `toml:"engine"`
	Logging     LoggingConfig `toml:"logging"`
}

// EngineConfig is the full §6 configuration surface of the core.
type EngineConfig struct {
	SourceDir     string `toml:"source_dir"`
	TargetADir    string `toml:"target_a_dir"`
	TargetBDir    string `toml:"target_b_dir"`
	QuarantineDir string `toml:"quarantine_dir"`

	IncludePatterns   []string `toml:"include_patterns"`
	ExcludeExtensions []string `toml:"exclude_extensions"`

	MinimumFileAgeSeconds   int `toml:"minimum_file_age_s"`
	StabilityCheckIntervalS int `toml:"stability_check_interval_s"`
	MaxStabilityChecks      int `toml:"max_stability_checks"`

	MaxConcurrentCopiesPerTarget int `toml:"max_concurrent_copies_per_target"`
	CopyBufferSizeBytes          int `toml:"copy_buffer_size_bytes"`

	MaxRetryAttempts  int `toml:"max_retry_attempts"`
	RetryDelayMS      int `toml:"retry_delay_ms"`
	RetryBackoffCapMS int `toml:"retry_backoff_cap_ms"`

	ProgressPersistIntervalMS int `toml:"progress_persist_interval_ms"`

	StateLogMaxRecords    int `toml:"state_log_max_records"`
	StateLogRetentionDays int `toml:"state_log_retention_days"`

	StorePath        string `toml:"store_path"`
	DirScanIntervalS int    `toml:"dir_scan_interval_s"`
}

// MinimumFileAge returns the configured minimum-age-since-last-write threshold.
func (c *EngineConfig) MinimumFileAge() time.Duration {
	return time.Duration(c.MinimumFileAgeSeconds) * time.Second
}

// StabilityCheckInterval returns the configured poll interval between stability samples.
func (c *EngineConfig) StabilityCheckInterval() time.Duration {
	return time.Duration(c.StabilityCheckIntervalS) * time.Second
}

// RetryDelay returns the base retry delay for the Adjudicator's backoff scheduler.
func (c *EngineConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// RetryBackoffCap returns the ceiling on exponential retry backoff.
func (c *EngineConfig) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapMS) * time.Millisecond
}

// ProgressPersistInterval returns the throttle interval for bytes_copied persistence.
func (c *EngineConfig) ProgressPersistInterval() time.Duration {
	return time.Duration(c.ProgressPersistIntervalMS) * time.Millisecond
}

// StateLogRetention returns the configured StateChangeLog retention window.
func (c *EngineConfig) StateLogRetention() time.Duration {
	return time.Duration(c.StateLogRetentionDays) * 24 * time.Hour
}

// DirScanInterval returns the interval between default polling EventSource scans.
func (c *EngineConfig) DirScanInterval() time.Duration {
	return time.Duration(c.DirScanIntervalS) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with the defaults named throughout spec §6.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Engine: EngineConfig{
			SourceDir:     "data/source",
			TargetADir:    "data/target-a",
			TargetBDir:    "data/target-b",
			QuarantineDir: "data/quarantine",

			IncludePatterns:   []string{"*.svs", "*.tif", "*.tiff", "*.ndpi", "*.scn"},
			ExcludeExtensions: []string{".tmp", ".temp", ".part", ".lock"},

			MinimumFileAgeSeconds:   5,
			StabilityCheckIntervalS: 1,
			MaxStabilityChecks:      120,

			MaxConcurrentCopiesPerTarget: 2,
			CopyBufferSizeBytes:          1024 * 1024,

			MaxRetryAttempts:  3,
			RetryDelayMS:      1000,
			RetryBackoffCapMS: 300000,

			ProgressPersistIntervalMS: 500,

			StateLogMaxRecords:    100000,
			StateLogRetentionDays: 30,

			StorePath:        "data/store",
			DirScanIntervalS: 2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/forkerd.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides,
// merging each path in order (later files override earlier ones).
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies FORKER_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FORKER_ENV"); env != "" {
		config.Environment = env
	}
	if level := os.Getenv("FORKER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("FORKER_SOURCE_DIR"); v != "" {
		config.Engine.SourceDir = v
	}
	if v := os.Getenv("FORKER_TARGET_A_DIR"); v != "" {
		config.Engine.TargetADir = v
	}
	if v := os.Getenv("FORKER_TARGET_B_DIR"); v != "" {
		config.Engine.TargetBDir = v
	}
	if v := os.Getenv("FORKER_QUARANTINE_DIR"); v != "" {
		config.Engine.QuarantineDir = v
	}
	if v := os.Getenv("FORKER_STORE_PATH"); v != "" {
		config.Engine.StorePath = v
	}
	if v := os.Getenv("FORKER_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("FORKER_MAX_CONCURRENT_COPIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxConcurrentCopiesPerTarget = n
		}
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
