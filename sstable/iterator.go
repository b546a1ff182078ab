package sstable

import (
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

// sstableIterator walks the entries of one table within an optional
// [startKey, endKey) bound. It yields every stored version in internal
// order (key ASC, seq DESC); version filtering is the merging layer's job.
// Descending iteration decodes one block at a time and walks it backwards.
type sstableIterator struct {
	table   *SSTable
	order   core.SortOrder
	startKey []byte
	endKey   []byte

	blockIdx int
	// Entries of the currently loaded block. Ascending iteration streams
	// through a BlockIterator instead and leaves this nil.
	blockIter *BlockIterator
	// Descending state: fully decoded current block, consumed back to front.
	decoded    []*core.IteratorNode
	decodedPos int

	current *core.IteratorNode
	err     error
	closed  bool
}

var _ core.IteratorInterface = (*sstableIterator)(nil)

// NewIterator returns an iterator over the table bounded by
// [startKey, endKey). Nil bounds are open.
func (s *SSTable) NewIterator(startKey, endKey []byte, order core.SortOrder) (core.IteratorInterface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, core.ErrClosed
	}

	it := &sstableIterator{
		table:    s,
		order:    order,
		startKey: startKey,
		endKey:   endKey,
	}
	if order == core.Ascending {
		it.blockIdx = it.firstBlockForAscending()
	} else {
		it.blockIdx = it.lastBlockForDescending(s.index.Entries())
	}
	return it, nil
}

// firstBlockForAscending picks the first block that can contain a key >=
// startKey.
func (it *sstableIterator) firstBlockForAscending() int {
	if it.startKey == nil {
		return 0
	}
	pos := it.table.index.findFirstGreaterOrEqual(it.startKey)
	// The block before pos may still hold startKey — including its newest
	// versions when the run straddles the boundary and entries[pos].FirstKey
	// equals startKey. The per-entry bound check skips anything below.
	if pos > 0 {
		pos--
	}
	return pos
}

// lastBlockForDescending picks the last block that can contain a key <
// endKey.
func (it *sstableIterator) lastBlockForDescending(entries []BlockIndexEntry) int {
	if it.endKey == nil {
		return len(entries) - 1
	}
	pos := it.table.index.findFirstGreaterOrEqual(it.endKey)
	// entries[pos].FirstKey >= endKey, so that block starts at or beyond
	// the (exclusive) bound; the previous block is the last candidate.
	return pos - 1
}

func (it *sstableIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if it.order == core.Ascending {
		return it.nextAscending()
	}
	return it.nextDescending()
}

func (it *sstableIterator) nextAscending() bool {
	for {
		if it.blockIter == nil {
			entries := it.table.index.Entries()
			if it.blockIdx >= len(entries) {
				return false
			}
			block, err := it.table.readBlock(entries[it.blockIdx].BlockOffset, entries[it.blockIdx].BlockLength)
			if err != nil {
				it.err = fmt.Errorf("sstable iterator: failed to load block %d: %w", it.blockIdx, err)
				return false
			}
			it.blockIter = NewBlockIterator(block.entriesData())
		}

		for it.blockIter.Next() {
			key := it.blockIter.Key()
			if it.startKey != nil && it.table.comparator.Compare(key, it.startKey) < 0 {
				continue
			}
			if it.endKey != nil && it.table.comparator.Compare(key, it.endKey) >= 0 {
				return false
			}
			it.current = &core.IteratorNode{
				Key:       key,
				Value:     it.blockIter.Value(),
				EntryType: it.blockIter.EntryType(),
				SeqNum:    it.blockIter.SeqNum(),
			}
			return true
		}
		if err := it.blockIter.Error(); err != nil {
			it.err = err
			return false
		}
		it.blockIter = nil
		it.blockIdx++
	}
}

func (it *sstableIterator) nextDescending() bool {
	for {
		if it.decoded == nil {
			entries := it.table.index.Entries()
			if it.blockIdx < 0 {
				return false
			}
			block, err := it.table.readBlock(entries[it.blockIdx].BlockOffset, entries[it.blockIdx].BlockLength)
			if err != nil {
				it.err = fmt.Errorf("sstable iterator: failed to load block %d: %w", it.blockIdx, err)
				return false
			}
			if it.decoded, err = decodeBlockEntries(block); err != nil {
				it.err = err
				return false
			}
			if it.decoded == nil {
				it.decoded = []*core.IteratorNode{}
			}
			it.decodedPos = len(it.decoded) - 1
		}

		for ; it.decodedPos >= 0; it.decodedPos-- {
			node := it.decoded[it.decodedPos]
			if it.endKey != nil && it.table.comparator.Compare(node.Key, it.endKey) >= 0 {
				continue
			}
			if it.startKey != nil && it.table.comparator.Compare(node.Key, it.startKey) < 0 {
				return false
			}
			it.current = node
			it.decodedPos--
			return true
		}
		it.decoded = nil
		it.blockIdx--
	}
}

// decodeBlockEntries materializes every entry of a block, in stored order.
func decodeBlockEntries(block *Block) ([]*core.IteratorNode, error) {
	var nodes []*core.IteratorNode
	iter := NewBlockIterator(block.entriesData())
	for iter.Next() {
		nodes = append(nodes, &core.IteratorNode{
			Key:       iter.Key(),
			Value:     iter.Value(),
			EntryType: iter.EntryType(),
			SeqNum:    iter.SeqNum(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to decode block entries: %w", err)
	}
	return nodes, nil
}

func (it *sstableIterator) At() (*core.IteratorNode, error) {
	if it.current == nil {
		return nil, fmt.Errorf("iterator is not positioned on a valid entry")
	}
	return it.current, nil
}

func (it *sstableIterator) Error() error {
	return it.err
}

func (it *sstableIterator) Close() error {
	it.closed = true
	it.blockIter = nil
	it.decoded = nil
	it.current = nil
	return nil
}
