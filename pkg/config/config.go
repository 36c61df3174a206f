// Package config holds the engine-level configuration: storage location,
// auto-save cadence, cache sizing, and logging. Per-collection settings
// (dimension, metric, HNSW and quantization parameters) travel with the
// collection itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DataDir is the root directory holding one subdirectory per
	// collection.
	DataDir string `yaml:"data_dir"`

	// LogQueueDepth bounds the pending-append queue; writes beyond it
	// are rejected rather than blocking.
	LogQueueDepth int `yaml:"log_queue_depth"`

	// SyncWrites fsyncs every log append. Slower, but a committed write
	// survives power loss, not just process death.
	SyncWrites bool `yaml:"sync_writes"`
}

// AutosaveConfig holds snapshot scheduling configuration.
type AutosaveConfig struct {
	// IntervalSeconds is the auto-save tick; dirty collections are
	// snapshotted on each tick.
	IntervalSeconds int `yaml:"interval_seconds"`

	// SnapshotsPerMinute rate-limits snapshot writes across collections
	// to bound disk bandwidth. 0 disables the limit.
	SnapshotsPerMinute int `yaml:"snapshots_per_minute"`
}

// CacheConfig holds query and distance-table cache sizing.
type CacheConfig struct {
	QueryCapacity int           `yaml:"query_capacity"`
	QueryTTL      time.Duration `yaml:"query_ttl"`
	TableCapacity int           `yaml:"table_capacity"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:       "./data",
			LogQueueDepth: 10000,
			SyncWrites:    true,
		},
		Autosave: AutosaveConfig{
			IntervalSeconds:    300,
			SnapshotsPerMinute: 12,
		},
		Cache: CacheConfig{
			QueryCapacity: 1000,
			QueryTTL:      5 * time.Minute,
			TableCapacity: 256,
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() *Config {
	cfg := Default()

	if dataDir := os.Getenv("QUIVER_DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if depth := os.Getenv("QUIVER_LOG_QUEUE_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			cfg.Storage.LogQueueDepth = d
		}
	}
	if sync := os.Getenv("QUIVER_SYNC_WRITES"); sync == "false" {
		cfg.Storage.SyncWrites = false
	}
	if interval := os.Getenv("QUIVER_AUTOSAVE_INTERVAL"); interval != "" {
		if s, err := strconv.Atoi(interval); err == nil {
			cfg.Autosave.IntervalSeconds = s
		}
	}
	if capacity := os.Getenv("QUIVER_QUERY_CACHE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			cfg.Cache.QueryCapacity = c
		}
	}
	if ttl := os.Getenv("QUIVER_QUERY_CACHE_TTL"); ttl != "" {
		if t, err := time.ParseDuration(ttl); err == nil {
			cfg.Cache.QueryTTL = t
		}
	}
	if level := os.Getenv("QUIVER_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg
}

// LoadFile reads a YAML configuration file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: data directory not specified")
	}
	if c.Storage.LogQueueDepth < 1 {
		return fmt.Errorf("config: invalid log queue depth: %d (must be > 0)", c.Storage.LogQueueDepth)
	}
	if c.Autosave.IntervalSeconds < 1 {
		return fmt.Errorf("config: invalid autosave interval: %d (must be >= 1s)", c.Autosave.IntervalSeconds)
	}
	if c.Autosave.SnapshotsPerMinute < 0 {
		return fmt.Errorf("config: invalid snapshot rate: %d", c.Autosave.SnapshotsPerMinute)
	}
	if c.Cache.QueryCapacity < 0 || c.Cache.TableCapacity < 0 {
		return fmt.Errorf("config: cache capacities must not be negative")
	}
	return nil
}

// AutosaveInterval returns the tick as a duration.
func (c *Config) AutosaveInterval() time.Duration {
	return time.Duration(c.Autosave.IntervalSeconds) * time.Second
}
