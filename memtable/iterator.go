package memtable

import (
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/skiplist"
)

// MemtableIterator iterates over every version in the memtable within
// [startKey, endKey). Ascending order yields (key ASC, seq DESC); descending
// yields keys in reverse with versions oldest first, which the merging layer
// compensates for. The memtable's lock is only held while stepping, so a
// long-lived iterator never stalls the write path; entries inserted after
// creation may surface and are filtered out by sequence number upstream.
type MemtableIterator struct {
	mt         *Memtable
	iter       *skiplist.Iterator[*MemtableKey, *MemtableEntry]
	comparator core.Comparator
	startKey   []byte
	endKey     []byte
	order      core.SortOrder
	started    bool
	valid      bool
	closed     bool
	node       core.IteratorNode
}

// NewIterator creates an iterator over the memtable. Close it when done.
func (m *Memtable) NewIterator(startKey, endKey []byte, order core.SortOrder) core.IteratorInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := &MemtableIterator{
		mt:         m,
		comparator: m.comparator,
		startKey:   startKey,
		endKey:     endKey,
		order:      order,
	}
	if m.data == nil {
		it.closed = true
		return it
	}
	opts := make([]skiplist.IteratorOption[*MemtableKey, *MemtableEntry], 0, 1)
	if order == core.Descending {
		opts = append(opts, skiplist.WithReverse[*MemtableKey, *MemtableEntry]())
	}
	it.iter = m.data.NewIterator(opts...)
	return it
}

// Next advances to the next version in range.
func (it *MemtableIterator) Next() bool {
	if it.closed {
		return false
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	for {
		if !it.started {
			it.started = true
			var found bool
			if it.order == core.Ascending {
				if it.startKey != nil {
					found = it.iter.Seek(&MemtableKey{Key: it.startKey, SeqNum: ^uint64(0)})
				} else {
					found = it.iter.First()
				}
			} else {
				if it.endKey != nil {
					// Reversed iterator: Seek lands on the first element <= key.
					// (endKey, max seq) is just below endKey's first version, so
					// the scan starts on the greatest key < endKey.
					found = it.iter.Seek(&MemtableKey{Key: it.endKey, SeqNum: ^uint64(0)})
					if !found {
						found = it.iter.Last()
					}
				} else {
					found = it.iter.Last()
				}
			}
			if !found {
				return false
			}
		} else {
			if !it.valid {
				return false
			}
			if !it.iter.Next() {
				it.valid = false
				return false
			}
		}

		currentKey := it.iter.Key().Key
		if it.order == core.Ascending {
			if it.endKey != nil && it.comparator.Compare(currentKey, it.endKey) >= 0 {
				it.valid = false
				return false
			}
		} else {
			if it.startKey != nil && it.comparator.Compare(currentKey, it.startKey) < 0 {
				it.valid = false
				return false
			}
			if it.endKey != nil && it.comparator.Compare(currentKey, it.endKey) >= 0 {
				// Landed at or above endKey on the first positioning; keep
				// stepping down.
				it.valid = true
				continue
			}
		}
		it.valid = true
		return true
	}
}

// At returns the current version. Only valid after Next() returned true.
func (it *MemtableIterator) At() (*core.IteratorNode, error) {
	if it.closed || !it.valid {
		return nil, core.ErrNotFound
	}
	it.mt.mu.RLock()
	entry := it.iter.Value()
	it.mt.mu.RUnlock()
	it.node = core.IteratorNode{
		Key:       entry.Key,
		Value:     entry.Value,
		EntryType: entry.EntryType,
		SeqNum:    entry.SeqNum,
	}
	return &it.node, nil
}

func (it *MemtableIterator) Error() error {
	return nil
}

// Close invalidates the iterator. Safe to call multiple times.
func (it *MemtableIterator) Close() error {
	it.closed = true
	it.valid = false
	return nil
}
