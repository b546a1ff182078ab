package iterator

import (
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

// sliceIterator serves a fixed slice of entries; test helper standing in
// for memtable and sstable sources.
type sliceIterator struct {
	nodes []*core.IteratorNode
	pos   int
	err   error
}

// newSliceIterator builds a source over pre-ordered nodes.
func newSliceIterator(nodes []*core.IteratorNode) *sliceIterator {
	return &sliceIterator{nodes: nodes, pos: -1}
}

func (si *sliceIterator) Next() bool {
	if si.err != nil || si.pos+1 >= len(si.nodes) {
		if si.pos+1 >= len(si.nodes) {
			si.pos = len(si.nodes)
		}
		return false
	}
	si.pos++
	return true
}

func (si *sliceIterator) At() (*core.IteratorNode, error) {
	if si.pos < 0 || si.pos >= len(si.nodes) {
		return nil, fmt.Errorf("iterator is not positioned on a valid entry")
	}
	return si.nodes[si.pos], nil
}

func (si *sliceIterator) Error() error { return si.err }
func (si *sliceIterator) Close() error { return nil }

func node(key, value string, et core.EntryType, seq uint64) *core.IteratorNode {
	return &core.IteratorNode{Key: []byte(key), Value: []byte(value), EntryType: et, SeqNum: seq}
}
