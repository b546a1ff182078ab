package core

// SortOrder selects the direction of an iteration.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// IteratorNode is the unit yielded by internal iterators: one version of one
// key. The slices are only valid until the next call to Next().
type IteratorNode struct {
	Key       []byte
	Value     []byte
	EntryType EntryType
	SeqNum    uint64
}

// IteratorInterface is the contract shared by memtable, SSTable and merging
// iterators. Next advances and reports whether an item is available; At
// returns the current item.
type IteratorInterface interface {
	Next() bool
	// At returns the current node. Only valid after Next() returned true.
	At() (*IteratorNode, error)
	Error() error
	Close() error
}
