// Package memtable implements the in-memory sorted write buffer. Entries are
// ordered by (user key ascending per comparator, sequence number descending),
// so all versions of a key are adjacent with the newest first.
package memtable

import (
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/skiplist"
)

// MemtableKey is the skiplist key: user key plus the version's sequence number.
type MemtableKey struct {
	Key    []byte
	SeqNum uint64
}

// MemtableEntry is the stored operation for one version of one key.
type MemtableEntry struct {
	Key       []byte
	Value     []byte
	EntryType core.EntryType
	SeqNum    uint64
}

// size returns the estimated memory size of the entry.
func (e *MemtableEntry) size() int64 {
	return int64(len(e.Key)+len(e.Value)) + 8 + 1
}

// Memtable is an in-memory, sorted buffer for incoming writes. Once full it
// becomes immutable and is flushed to an SSTable.
type Memtable struct {
	mu         sync.RWMutex
	data       *skiplist.SkipList[*MemtableKey, *MemtableEntry]
	comparator core.Comparator
	sizeBytes  int64
	threshold  int64

	// Flush bookkeeping, owned by the engine's flush loop.
	FlushRetries int
	CreationTime time.Time
	// FirstWALSegmentIndex is the WAL segment holding this memtable's
	// oldest entry. Segments from it onward must survive until the
	// memtable is flushed. Zero means no writes yet.
	FirstWALSegmentIndex uint64
}

// NewMemtable creates a memtable with the given size threshold and user-key
// comparator.
func NewMemtable(threshold int64, cmp core.Comparator) *Memtable {
	if cmp == nil {
		cmp = core.DefaultComparator
	}
	keyCompare := func(a, b *MemtableKey) int {
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		// Same user key: higher sequence numbers sort first.
		if a.SeqNum > b.SeqNum {
			return -1
		}
		if a.SeqNum < b.SeqNum {
			return 1
		}
		return 0
	}
	return &Memtable{
		data:         skiplist.NewWithComparator[*MemtableKey, *MemtableEntry](keyCompare),
		comparator:   cmp,
		threshold:    threshold,
		CreationTime: time.Now(),
	}
}

// Put inserts one version of a key. Because the sequence number is part of
// the skiplist key, every commit adds a new node; an existing node is only
// replaced when the exact (key, seq) pair is reinserted during WAL replay.
func (m *Memtable) Put(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return core.ErrClosed
	}

	newKey := &MemtableKey{Key: key, SeqNum: seqNum}
	newEntry := &MemtableEntry{Key: key, Value: value, EntryType: entryType, SeqNum: seqNum}

	if oldNode := m.data.Insert(newKey, newEntry); oldNode != nil {
		m.sizeBytes -= oldNode.Value().size()
	}
	m.sizeBytes += newEntry.size()
	return nil
}

// Get returns the newest version of key visible at maxSeq. The boolean
// reports whether any visible version exists; a tombstone or merge entry is
// still "found" and the caller interprets the entry type.
func (m *Memtable) Get(key []byte, maxSeq uint64) (*MemtableEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, false
	}

	// Versions sort newest first, so seeking (key, maxSeq) lands on the
	// newest version with SeqNum <= maxSeq.
	node, ok := m.data.Seek(&MemtableKey{Key: key, SeqNum: maxSeq})
	if !ok {
		return nil, false
	}
	if m.comparator.Compare(node.Key().Key, key) != 0 {
		return nil, false
	}
	return node.Value(), true
}

// CollectMergeOperands gathers, newest first, the merge operands for key
// visible at maxSeq, stopping at the first non-merge entry. It returns the
// operands, the base entry if one was hit, and whether the scan is complete
// (hit a Put or Delete) within this memtable.
func (m *Memtable) CollectMergeOperands(key []byte, maxSeq uint64) (operands [][]byte, base *MemtableEntry, complete bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, nil, false
	}

	iter := m.data.NewIterator()
	if !iter.Seek(&MemtableKey{Key: key, SeqNum: maxSeq}) {
		return nil, nil, false
	}
	for {
		if m.comparator.Compare(iter.Key().Key, key) != 0 {
			return operands, nil, false
		}
		entry := iter.Value()
		if entry.EntryType != core.EntryTypeMerge {
			return operands, entry, true
		}
		operands = append(operands, entry.Value)
		if !iter.Next() {
			return operands, nil, false
		}
	}
}

// Size returns the estimated size of the data in the memtable in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull checks if the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.threshold
}

// Len returns the number of entries (versions) in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0
	}
	return m.data.Len()
}

// FlushToSSTable writes every version held by the memtable to the writer in
// sorted order. Older versions are preserved; compaction drops them later.
func (m *Memtable) FlushToSSTable(writer core.SSTableWriterInterface) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return core.ErrClosed
	}

	iter := m.data.NewIterator()
	for iter.Next() {
		entry := iter.Value()
		if err := writer.Add(entry.Key, entry.Value, entry.EntryType, entry.SeqNum); err != nil {
			return fmt.Errorf("failed to add memtable entry to sstable writer (key: %q): %w", entry.Key, err)
		}
	}
	return nil
}

// Close drops the skiplist. Any iterator must have been closed first.
func (m *Memtable) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.sizeBytes = 0
}
