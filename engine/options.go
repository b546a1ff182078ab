package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/wal"
)

const (
	// DefaultColumnFamilyName always exists and absorbs un-scoped
	// operations.
	DefaultColumnFamilyName = "default"

	defaultMemtableThreshold       = 4 * 1024 * 1024
	defaultMaxKeySize              = 4 * 1024
	defaultMaxValueSize            = 16 * 1024 * 1024
	defaultMaxBatchEntries         = 100_000
	defaultMaxBatchSize            = 64 * 1024 * 1024
	defaultMaxImmutableMemtables   = 4
	defaultWriteStallTimeout       = 2 * time.Second
	defaultMaxLevels               = 7
	defaultMaxL0Files              = 4
	defaultL0TriggerSize           = 64 * 1024 * 1024
	defaultBaseTargetSize          = 64 * 1024 * 1024
	defaultTargetSizeMultiplier    = 10
	defaultTargetSSTableSize       = 32 * 1024 * 1024
	defaultCompactionInterval      = 10 * time.Second
	defaultMaxConcurrentCompaction = 2
	defaultFlushMaxRetries         = 5
	defaultBlockCacheCapacity      = 1024
	defaultBloomFPR                = 0.01
)

// ColumnFamilyOptions configures one column family. Comparator and
// MergeOperator are code, not data: they must be supplied again on every
// open, and their names are checked against the manifest.
type ColumnFamilyOptions struct {
	Comparator        core.Comparator
	MergeOperator     core.MergeOperator
	MemtableThreshold int64
	CompressionType   core.CompressionType
}

func (o ColumnFamilyOptions) withDefaults() ColumnFamilyOptions {
	if o.Comparator == nil {
		o.Comparator = core.DefaultComparator
	}
	if o.MemtableThreshold <= 0 {
		o.MemtableThreshold = defaultMemtableThreshold
	}
	return o
}

// Options configures the storage engine.
type Options struct {
	// DataDir is the root directory; WAL segments, SSTables and manifests
	// live under it.
	DataDir string

	// ColumnFamilies supplies per-family options, keyed by name. Families
	// found in the manifest but absent here open with defaults; the
	// "default" family is always created.
	ColumnFamilies map[string]ColumnFamilyOptions

	// Size limits checked before anything reaches the WAL.
	MaxKeySize      int
	MaxValueSize    int
	MaxBatchEntries int
	MaxBatchSize    int64

	// Write path.
	WALSyncMode           wal.SyncMode
	WALSyncInterval       time.Duration
	WALMaxSegmentSize     int64
	MaxImmutableMemtables int
	WriteStallTimeout     time.Duration

	// Compaction.
	MaxLevels                int
	MaxL0Files               int
	L0CompactionTriggerSize  int64
	BaseTargetSize           int64
	TargetSizeMultiplier     int
	TargetSSTableSize        int64
	CompactionInterval       time.Duration
	MaxConcurrentCompactions int
	CompactionFallback       levels.FallbackStrategy

	// Flush.
	FlushMaxRetries int

	// SSTable shape.
	SSTableBlockSize             int
	BloomFilterFalsePositiveRate float64
	BlockCacheCapacity           int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = defaultMaxKeySize
	}
	if o.MaxValueSize <= 0 {
		o.MaxValueSize = defaultMaxValueSize
	}
	if o.MaxBatchEntries <= 0 {
		o.MaxBatchEntries = defaultMaxBatchEntries
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = wal.SyncAlways
	}
	if o.WALMaxSegmentSize <= 0 {
		o.WALMaxSegmentSize = core.WALMaxSegmentSize
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = defaultMaxImmutableMemtables
	}
	if o.WriteStallTimeout <= 0 {
		o.WriteStallTimeout = defaultWriteStallTimeout
	}
	if o.MaxLevels < 2 {
		o.MaxLevels = defaultMaxLevels
	}
	if o.MaxL0Files <= 0 {
		o.MaxL0Files = defaultMaxL0Files
	}
	if o.L0CompactionTriggerSize <= 0 {
		o.L0CompactionTriggerSize = defaultL0TriggerSize
	}
	if o.BaseTargetSize <= 0 {
		o.BaseTargetSize = defaultBaseTargetSize
	}
	if o.TargetSizeMultiplier <= 1 {
		o.TargetSizeMultiplier = defaultTargetSizeMultiplier
	}
	if o.TargetSSTableSize <= 0 {
		o.TargetSSTableSize = defaultTargetSSTableSize
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = defaultCompactionInterval
	}
	if o.MaxConcurrentCompactions <= 0 {
		o.MaxConcurrentCompactions = defaultMaxConcurrentCompaction
	}
	if o.FlushMaxRetries <= 0 {
		o.FlushMaxRetries = defaultFlushMaxRetries
	}
	if o.BloomFilterFalsePositiveRate <= 0 || o.BloomFilterFalsePositiveRate >= 1 {
		o.BloomFilterFalsePositiveRate = defaultBloomFPR
	}
	if o.BlockCacheCapacity == 0 {
		o.BlockCacheCapacity = defaultBlockCacheCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ReadOptions scope a read. A nil Snapshot reads the latest committed state.
type ReadOptions struct {
	Snapshot *Snapshot
}

// IngestOptions control external file ingestion.
type IngestOptions struct {
	// MoveFile renames the source into the data dir instead of copying.
	MoveFile bool
	// AllowOverlap places the file at L0 instead of rejecting ingestion
	// when its key range intersects existing data.
	AllowOverlap bool
}
