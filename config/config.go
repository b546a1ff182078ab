// Package config loads engine configuration from YAML and maps it onto
// engine.Options. Every field is optional; omitted values fall back to the
// engine defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/wal"
)

// LimitsConfig bounds individual writes and batches.
type LimitsConfig struct {
	MaxKeySizeBytes   int   `yaml:"max_key_size_bytes"`
	MaxValueSizeBytes int   `yaml:"max_value_size_bytes"`
	MaxBatchEntries   int   `yaml:"max_batch_entries"`
	MaxBatchSizeBytes int64 `yaml:"max_batch_size_bytes"`
}

// MemtableConfig holds memtable-specific configurations.
type MemtableConfig struct {
	SizeThresholdBytes int64  `yaml:"size_threshold_bytes"`
	MaxImmutables      int    `yaml:"max_immutables"`
	WriteStallTimeout  string `yaml:"write_stall_timeout"`
}

// SSTableConfig holds sstable-specific configurations.
type SSTableConfig struct {
	BlockSizeBytes    int     `yaml:"block_size_bytes"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
}

// CacheConfig holds cache-specific configurations.
type CacheConfig struct {
	BlockCacheCapacity int `yaml:"block_cache_capacity"`
}

// CompactionConfig holds compaction-specific configurations.
type CompactionConfig struct {
	L0TriggerFileCount     int    `yaml:"l0_trigger_file_count"`
	L0TriggerSizeBytes     int64  `yaml:"l0_trigger_size_bytes"`
	BaseTargetSizeBytes    int64  `yaml:"base_target_size_bytes"`
	TargetSSTableSizeBytes int64  `yaml:"target_sstable_size_bytes"`
	LevelsSizeMultiplier   int    `yaml:"levels_size_multiplier"`
	MaxLevels              int    `yaml:"max_levels"`
	CheckInterval          string `yaml:"check_interval"`
	MaxConcurrent          int    `yaml:"max_concurrent"`
	FallbackStrategy       string `yaml:"fallback_strategy"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"`
	SyncInterval        string `yaml:"sync_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// FlushConfig holds flush-worker configurations.
type FlushConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// EngineConfig groups all storage-engine settings.
type EngineConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Limits     LimitsConfig     `yaml:"limits"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
	WAL        WALConfig        `yaml:"wal"`
	Flush      FlushConfig      `yaml:"flush"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // used when output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string, falling back to the default when
// the string is empty or invalid.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// ParseCompression maps a compression name to its on-disk type.
func ParseCompression(name string) (core.CompressionType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	default:
		return core.CompressionNone, fmt.Errorf("unknown compression type %q", name)
	}
}

// Load reads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			SSTable: SSTableConfig{
				Compression: "snappy",
			},
			WAL: WALConfig{
				SyncMode: "always",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a YAML file. A missing file yields
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(strings.NewReader(""))
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// EngineOptions maps the configuration onto engine.Options. Zero values pass
// through and pick up the engine defaults.
func (c *Config) EngineOptions(logger *slog.Logger) (engine.Options, error) {
	e := c.Engine
	opts := engine.Options{
		DataDir:                      e.DataDir,
		MaxKeySize:                   e.Limits.MaxKeySizeBytes,
		MaxValueSize:                 e.Limits.MaxValueSizeBytes,
		MaxBatchEntries:              e.Limits.MaxBatchEntries,
		MaxBatchSize:                 e.Limits.MaxBatchSizeBytes,
		WALSyncInterval:              ParseDuration(e.WAL.SyncInterval, 0, logger),
		WALMaxSegmentSize:            e.WAL.MaxSegmentSizeBytes,
		MaxImmutableMemtables:        e.Memtable.MaxImmutables,
		WriteStallTimeout:            ParseDuration(e.Memtable.WriteStallTimeout, 0, logger),
		MaxLevels:                    e.Compaction.MaxLevels,
		MaxL0Files:                   e.Compaction.L0TriggerFileCount,
		L0CompactionTriggerSize:      e.Compaction.L0TriggerSizeBytes,
		BaseTargetSize:               e.Compaction.BaseTargetSizeBytes,
		TargetSizeMultiplier:         e.Compaction.LevelsSizeMultiplier,
		TargetSSTableSize:            e.Compaction.TargetSSTableSizeBytes,
		CompactionInterval:           ParseDuration(e.Compaction.CheckInterval, 0, logger),
		MaxConcurrentCompactions:     e.Compaction.MaxConcurrent,
		FlushMaxRetries:              e.Flush.MaxRetries,
		SSTableBlockSize:             e.SSTable.BlockSizeBytes,
		BloomFilterFalsePositiveRate: e.SSTable.BloomFilterFPRate,
		BlockCacheCapacity:           e.Cache.BlockCacheCapacity,
		Logger:                       logger,
	}

	switch strings.ToLower(e.WAL.SyncMode) {
	case "", "always":
		opts.WALSyncMode = wal.SyncAlways
	case "interval":
		opts.WALSyncMode = wal.SyncInterval
	case "disabled":
		opts.WALSyncMode = wal.SyncDisabled
	default:
		return engine.Options{}, fmt.Errorf("unknown WAL sync mode %q", e.WAL.SyncMode)
	}

	switch e.Compaction.FallbackStrategy {
	case "", "PickOldest":
		opts.CompactionFallback = levels.PickOldest
	case "PickLargest":
		opts.CompactionFallback = levels.PickLargest
	case "PickSmallest":
		opts.CompactionFallback = levels.PickSmallest
	case "PickMostEntries":
		opts.CompactionFallback = levels.PickMostEntries
	case "PickRandom":
		opts.CompactionFallback = levels.PickRandom
	default:
		return engine.Options{}, fmt.Errorf("unknown compaction fallback strategy %q", e.Compaction.FallbackStrategy)
	}

	return opts, nil
}

// DefaultColumnFamilyOptions maps the per-family settings from the
// configuration.
func (c *Config) DefaultColumnFamilyOptions() (engine.ColumnFamilyOptions, error) {
	ct, err := ParseCompression(c.Engine.SSTable.Compression)
	if err != nil {
		return engine.ColumnFamilyOptions{}, err
	}
	return engine.ColumnFamilyOptions{
		MemtableThreshold: c.Engine.Memtable.SizeThresholdBytes,
		CompressionType:   ct,
	}, nil
}

// BuildLogger constructs a slog.Logger from the logging section.
func (c *Config) BuildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	var w io.Writer
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", c.Logging.File, err)
		}
		w = f
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", c.Logging.Output)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
