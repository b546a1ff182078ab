package core

import "bytes"

// Comparator defines the total order of user keys within a column family.
// The Name is persisted in the manifest; opening a column family with a
// comparator of a different name fails.
type Comparator interface {
	// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
	Compare(a, b []byte) int
	// Name identifies the comparator for manifest compatibility checks.
	Name() string
}

// MergeOperator folds merge operands into a base value. When a read or a
// compaction encounters merge entries for a key, the operands are collected
// newest-to-oldest and applied through FullMerge in oldest-first order.
type MergeOperator interface {
	// FullMerge combines the existing value (nil if the key has no base
	// value) with operands ordered oldest first, producing the new value.
	FullMerge(key, existing []byte, operands [][]byte) ([]byte, error)
	// Name identifies the operator for manifest compatibility checks.
	Name() string
}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string            { return "bytewise" }

// DefaultComparator orders keys as raw bytes. It is used by every column
// family that does not supply its own comparator.
var DefaultComparator Comparator = bytewiseComparator{}
