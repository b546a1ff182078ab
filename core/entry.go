package core

// EntryType defines the type of an entry in the WAL, memtable or SSTable.
type EntryType byte

const (
	// EntryTypePut represents a normal key/value write.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone for a single key (point deletion).
	EntryTypeDelete EntryType = 'D'
	// EntryTypeMerge represents a merge operand to be folded into the base
	// value by the column family's MergeOperator.
	EntryTypeMerge EntryType = 'M'
	// EntryTypePutBatch represents a batch of multiple entries written
	// atomically to the WAL as a single record.
	EntryTypePutBatch EntryType = 'B'
)

// String returns a human-readable name for the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "put"
	case EntryTypeDelete:
		return "delete"
	case EntryTypeMerge:
		return "merge"
	case EntryTypePutBatch:
		return "put_batch"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known single-entry type.
func (t EntryType) Valid() bool {
	return t == EntryTypePut || t == EntryTypeDelete || t == EntryTypeMerge
}
