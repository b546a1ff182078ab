// Package iterator merges the per-source iterators of the read and
// compaction paths into single ordered streams, applying version
// visibility, tombstone suppression and merge-operand folding.
package iterator

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/INLOpen/nexuskv/core"
)

// MergingIteratorParams configures a read-path merge across sources.
type MergingIteratorParams struct {
	// Iters are the source iterators, each yielding every stored version in
	// internal order. Ownership transfers; Close closes them all.
	Iters      []core.IteratorInterface
	Comparator core.Comparator
	Order      core.SortOrder
	StartKey   []byte
	EndKey     []byte
	// MaxSeqNum bounds visibility; versions above it do not exist for this
	// reader. Use ^uint64(0) for the latest view.
	MaxSeqNum uint64
	// MergeOperator folds merge operands. Required only if the data
	// contains merge entries.
	MergeOperator core.MergeOperator
}

// MergingIterator yields at most one resolved entry per user key:
// the newest visible version, with tombstoned keys hidden and merge
// operands folded into their base value.
type MergingIterator struct {
	iters []core.IteratorInterface
	heap  *mergingHeap

	cmp           core.Comparator
	order         core.SortOrder
	startKey      []byte
	endKey        []byte
	maxSeqNum     uint64
	mergeOperator core.MergeOperator

	current *core.IteratorNode
	err     error
}

var _ core.IteratorInterface = (*MergingIterator)(nil)

// NewMergingIterator primes every source and builds the merge heap.
func NewMergingIterator(params MergingIteratorParams) (*MergingIterator, error) {
	if params.Comparator == nil {
		params.Comparator = core.DefaultComparator
	}
	mi := &MergingIterator{
		iters:         params.Iters,
		cmp:           params.Comparator,
		order:         params.Order,
		startKey:      params.StartKey,
		endKey:        params.EndKey,
		maxSeqNum:     params.MaxSeqNum,
		mergeOperator: params.MergeOperator,
		heap: &mergingHeap{
			items: make([]*heapItem, 0, len(params.Iters)),
			cmp:   params.Comparator,
			order: params.Order,
		},
	}

	for _, iter := range params.Iters {
		if iter.Next() {
			item, err := newHeapItem(iter)
			if err != nil {
				mi.Close()
				return nil, err
			}
			mi.heap.items = append(mi.heap.items, item)
		} else if err := iter.Error(); err != nil {
			mi.Close()
			return nil, err
		}
	}
	heap.Init(mi.heap)
	return mi, nil
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	for {
		versions, key, err := nextKeyVersions(mi.heap)
		if err != nil {
			mi.err = err
			return false
		}
		if versions == nil {
			mi.current = nil
			return false
		}

		if !mi.withinRange(key) {
			if mi.pastEnd(key) {
				mi.current = nil
				return false
			}
			continue
		}

		node, err := resolveVersions(key, versions, mi.maxSeqNum, mi.mergeOperator)
		if err != nil {
			mi.err = err
			return false
		}
		// Nil means no visible version or a tombstone result.
		if node == nil || node.EntryType == core.EntryTypeDelete {
			continue
		}
		mi.current = node
		return true
	}
}

// withinRange checks the [startKey, endKey) bound for the given key.
func (mi *MergingIterator) withinRange(key []byte) bool {
	if mi.startKey != nil && mi.cmp.Compare(key, mi.startKey) < 0 {
		return false
	}
	if mi.endKey != nil && mi.cmp.Compare(key, mi.endKey) >= 0 {
		return false
	}
	return true
}

// pastEnd reports whether key lies beyond the bound in iteration direction,
// meaning no further key can qualify.
func (mi *MergingIterator) pastEnd(key []byte) bool {
	if mi.order == core.Descending {
		return mi.startKey != nil && mi.cmp.Compare(key, mi.startKey) < 0
	}
	return mi.endKey != nil && mi.cmp.Compare(key, mi.endKey) >= 0
}

func (mi *MergingIterator) At() (*core.IteratorNode, error) {
	if mi.current == nil {
		return nil, fmt.Errorf("iterator is not positioned on a valid entry")
	}
	return mi.current, nil
}

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range mi.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.iters = nil
	mi.heap = nil
	return firstErr
}

// nextKeyVersions drains every version of the next user key from the heap.
// Sources may deliver a key's versions in either sequence order (descending
// sources reverse them), so all of them are gathered before resolution.
// Returns (nil, nil, nil) when the heap is exhausted.
func nextKeyVersions(h *mergingHeap) ([]*core.IteratorNode, []byte, error) {
	if h.Len() == 0 {
		return nil, nil, nil
	}
	first := heap.Pop(h).(*heapItem)
	key := first.node.Key
	versions := []*core.IteratorNode{first.node}
	if err := advance(h, first.iter); err != nil {
		return nil, nil, err
	}

	for h.Len() > 0 && h.cmp.Compare(h.items[0].node.Key, key) == 0 {
		item := heap.Pop(h).(*heapItem)
		versions = append(versions, item.node)
		if err := advance(h, item.iter); err != nil {
			return nil, nil, err
		}
	}
	return versions, key, nil
}

// advance moves a source forward and re-inserts it if it still has entries.
func advance(h *mergingHeap, iter core.IteratorInterface) error {
	if iter.Next() {
		item, err := newHeapItem(iter)
		if err != nil {
			return err
		}
		heap.Push(h, item)
		return nil
	}
	return iter.Error()
}

// resolveVersions collapses the visible versions of one key into a single
// logical entry. Versions above maxSeqNum are invisible. Walking from the
// newest visible version down, merge operands accumulate until a put or
// tombstone base is found; the operator then folds them oldest-first.
// Returns nil if no version is visible, and a tombstone-typed node if the
// newest visible version deletes the key.
func resolveVersions(key []byte, versions []*core.IteratorNode, maxSeqNum uint64, op core.MergeOperator) (*core.IteratorNode, error) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].SeqNum > versions[j].SeqNum })

	// Operands collect newest-first during the walk.
	var operands [][]byte
	for _, v := range versions {
		if v.SeqNum > maxSeqNum {
			continue
		}
		switch v.EntryType {
		case core.EntryTypeMerge:
			operands = append(operands, v.Value)
		case core.EntryTypePut:
			if len(operands) == 0 {
				return v, nil
			}
			return foldMerge(key, v.Value, operands, v.SeqNum, op)
		case core.EntryTypeDelete:
			if len(operands) == 0 {
				return v, nil
			}
			return foldMerge(key, nil, operands, v.SeqNum, op)
		default:
			return nil, fmt.Errorf("unexpected entry type %v for key %q: %w", v.EntryType, key, core.ErrCorrupted)
		}
	}
	if len(operands) > 0 {
		// Merge chain with no base underneath.
		return foldMerge(key, nil, operands, newestSeq(versions, maxSeqNum), op)
	}
	return nil, nil
}

func foldMerge(key, existing []byte, newestFirstOperands [][]byte, seqNum uint64, op core.MergeOperator) (*core.IteratorNode, error) {
	if op == nil {
		return nil, fmt.Errorf("key %q has merge operands: %w", key, core.ErrMergeOperatorMissing)
	}
	oldestFirst := make([][]byte, len(newestFirstOperands))
	for i, operand := range newestFirstOperands {
		oldestFirst[len(newestFirstOperands)-1-i] = operand
	}
	merged, err := op.FullMerge(key, existing, oldestFirst)
	if err != nil {
		return nil, fmt.Errorf("merge operator %q failed for key %q: %w", op.Name(), key, err)
	}
	return &core.IteratorNode{
		Key:       key,
		Value:     merged,
		EntryType: core.EntryTypePut,
		SeqNum:    seqNum,
	}, nil
}

func newestSeq(versions []*core.IteratorNode, maxSeqNum uint64) uint64 {
	for _, v := range versions {
		if v.SeqNum <= maxSeqNum {
			return v.SeqNum
		}
	}
	return 0
}

// EmptyIterator is a permanently exhausted iterator.
type EmptyIterator struct{}

// NewEmptyIterator returns an iterator with no entries.
func NewEmptyIterator() core.IteratorInterface { return &EmptyIterator{} }

func (it *EmptyIterator) Next() bool                     { return false }
func (it *EmptyIterator) At() (*core.IteratorNode, error) {
	return nil, fmt.Errorf("iterator is not positioned on a valid entry")
}
func (it *EmptyIterator) Error() error { return nil }
func (it *EmptyIterator) Close() error { return nil }
