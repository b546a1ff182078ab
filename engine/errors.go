package engine

import (
	"errors"

	"github.com/INLOpen/nexuskv/core"
)

// Re-exported sentinels so callers only need this package for errors.Is
// checks against the public API.
var (
	ErrNotFound             = core.ErrNotFound
	ErrCorrupted            = core.ErrCorrupted
	ErrClosed               = core.ErrClosed
	ErrReadOnly             = core.ErrReadOnly
	ErrColumnFamilyNotFound = core.ErrColumnFamilyNotFound
	ErrColumnFamilyExists   = core.ErrColumnFamilyExists
	ErrSnapshotReleased     = core.ErrSnapshotReleased
	ErrKeyTooLarge          = core.ErrKeyTooLarge
	ErrValueTooLarge        = core.ErrValueTooLarge
	ErrEmptyKey             = core.ErrEmptyKey
	ErrBatchTooLarge        = core.ErrBatchTooLarge
	ErrWriteStalled         = core.ErrWriteStalled
	ErrOverlappingIngest    = core.ErrOverlappingIngest
	ErrMergeOperatorMissing = core.ErrMergeOperatorMissing
	ErrLocked               = core.ErrLocked
)

// ErrBatchReused is returned when Commit is called twice on the same batch.
var ErrBatchReused = errors.New("write batch already committed")
