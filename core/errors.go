package core

import "errors"

// Sentinel errors shared across the engine. Callers classify failures with
// errors.Is; lower layers add context with fmt.Errorf("...: %w", err).
var (
	// ErrNotFound is returned when a key does not exist, or its newest
	// visible version is a tombstone.
	ErrNotFound = errors.New("key not found")

	// ErrCorrupted is returned when a persistent structure fails a checksum
	// or structural validation. It affects only the read that hit it.
	ErrCorrupted = errors.New("data corrupted")

	// ErrClosed is returned by operations on a closed database or iterator.
	ErrClosed = errors.New("database is closed")

	// ErrReadOnly is returned for writes after the engine degraded to
	// read-only mode following an unrecoverable WAL or flush failure.
	ErrReadOnly = errors.New("database is read-only")

	// ErrColumnFamilyNotFound is returned when an operation references a
	// column family that does not exist or has been dropped.
	ErrColumnFamilyNotFound = errors.New("column family not found")

	// ErrColumnFamilyExists is returned by CreateColumnFamily for a name
	// that is already in use.
	ErrColumnFamilyExists = errors.New("column family already exists")

	// ErrSnapshotReleased is returned for reads through a snapshot handle
	// that has already been released.
	ErrSnapshotReleased = errors.New("snapshot has been released")

	// ErrKeyTooLarge / ErrValueTooLarge enforce the configured size limits
	// before anything reaches the WAL.
	ErrKeyTooLarge   = errors.New("key size exceeds limit")
	ErrValueTooLarge = errors.New("value size exceeds limit")

	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("key is empty")

	// ErrBatchTooLarge is returned when a write batch exceeds the
	// configured entry-count or byte-size limits.
	ErrBatchTooLarge = errors.New("write batch exceeds size limit")

	// ErrWriteStalled is returned when the commit path waited out the
	// stall timeout with too many immutable memtables still unflushed.
	ErrWriteStalled = errors.New("write stalled: too many immutable memtables")

	// ErrOverlappingIngest is returned when an external SSTable overlaps
	// live data and the ingest options do not allow it.
	ErrOverlappingIngest = errors.New("ingested file overlaps existing data")

	// ErrMergeOperatorMissing is returned when a merge entry is written or
	// read on a column family with no MergeOperator configured.
	ErrMergeOperatorMissing = errors.New("column family has no merge operator")

	// ErrLocked is returned when the data directory is already held by
	// another process.
	ErrLocked = errors.New("data directory is locked by another process")
)
