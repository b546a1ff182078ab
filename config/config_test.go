package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/wal"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/test_data"
  memtable:
    size_threshold_bytes: 8388608
  compaction:
    l0_trigger_file_count: 8
    max_levels: 5
  wal:
    sync_mode: interval
    sync_interval: 250ms
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test_data", cfg.Engine.DataDir)
	assert.Equal(t, int64(8388608), cfg.Engine.Memtable.SizeThresholdBytes)
	assert.Equal(t, 8, cfg.Engine.Compaction.L0TriggerFileCount)
	assert.Equal(t, 5, cfg.Engine.Compaction.MaxLevels)
	assert.Equal(t, "interval", cfg.Engine.WAL.SyncMode)

	// Defaults survive for sections that were not mentioned.
	assert.Equal(t, "snappy", cfg.Engine.SSTable.Compression)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, "always", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("engine: [not: a, mapping"))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  data_dir: /custom\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom", cfg.Engine.DataDir)

	// Missing files fall back to defaults.
	cfg, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
}

func TestEngineOptionsMapping(t *testing.T) {
	yamlContent := `
engine:
  data_dir: "/tmp/kv"
  limits:
    max_key_size_bytes: 1024
    max_batch_entries: 500
  memtable:
    max_immutables: 8
    write_stall_timeout: 5s
  compaction:
    check_interval: 30s
    max_concurrent: 4
    fallback_strategy: PickLargest
  wal:
    sync_mode: disabled
  cache:
    block_cache_capacity: 256
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	opts, err := cfg.EngineOptions(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/kv", opts.DataDir)
	assert.Equal(t, 1024, opts.MaxKeySize)
	assert.Equal(t, 500, opts.MaxBatchEntries)
	assert.Equal(t, 8, opts.MaxImmutableMemtables)
	assert.Equal(t, 5*time.Second, opts.WriteStallTimeout)
	assert.Equal(t, 30*time.Second, opts.CompactionInterval)
	assert.Equal(t, 4, opts.MaxConcurrentCompactions)
	assert.Equal(t, levels.PickLargest, opts.CompactionFallback)
	assert.Equal(t, wal.SyncDisabled, opts.WALSyncMode)
	assert.Equal(t, 256, opts.BlockCacheCapacity)
}

func TestEngineOptionsRejectsBadEnums(t *testing.T) {
	cfg, err := Load(strings.NewReader("engine:\n  wal:\n    sync_mode: sometimes\n"))
	require.NoError(t, err)
	_, err = cfg.EngineOptions(nil)
	require.Error(t, err)

	cfg, err = Load(strings.NewReader("engine:\n  compaction:\n    fallback_strategy: PickWhatever\n"))
	require.NoError(t, err)
	_, err = cfg.EngineOptions(nil)
	require.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	cases := map[string]core.CompressionType{
		"":       core.CompressionNone,
		"none":   core.CompressionNone,
		"snappy": core.CompressionSnappy,
		"LZ4":    core.CompressionLZ4,
		"zstd":   core.CompressionZSTD,
	}
	for name, want := range cases {
		got, err := ParseCompression(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseCompression("brotli")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, time.Second, ParseDuration("", time.Second, nil))
	assert.Equal(t, 2*time.Minute, ParseDuration("2m", time.Second, nil))
	assert.Equal(t, time.Second, ParseDuration("garbage", time.Second, slog.Default()))
}

func TestDefaultColumnFamilyOptions(t *testing.T) {
	cfg, err := Load(strings.NewReader("engine:\n  sstable:\n    compression: zstd\n  memtable:\n    size_threshold_bytes: 1048576\n"))
	require.NoError(t, err)
	opts, err := cfg.DefaultColumnFamilyOptions()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionZSTD, opts.CompressionType)
	assert.Equal(t, int64(1048576), opts.MemtableThreshold)
}
