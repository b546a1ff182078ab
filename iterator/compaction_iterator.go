package iterator

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/INLOpen/nexuskv/core"
)

// CompactionIteratorParams configures the merge feeding a compaction's
// output writer.
type CompactionIteratorParams struct {
	Iters      []core.IteratorInterface
	Comparator core.Comparator
	// MergeOperator folds merge chains that fall entirely below the
	// snapshot floor. Nil leaves merge entries untouched.
	MergeOperator core.MergeOperator
	// SnapshotFloor is the smallest sequence number any live snapshot can
	// read at (^uint64(0) when none are held). Versions above it must
	// survive verbatim; below it only the newest version per key matters.
	SnapshotFloor uint64
	// IsBottomLevel permits dropping resolved tombstones outright, since no
	// deeper level can hold older versions of the key.
	IsBottomLevel bool
}

// CompactionIterator yields the entries a compaction must carry into its
// output: every version still visible to some reader, with obsolete
// versions, folded merge chains and reclaimable tombstones removed.
type CompactionIterator struct {
	iters []core.IteratorInterface
	heap  *mergingHeap

	cmp           core.Comparator
	mergeOperator core.MergeOperator
	snapshotFloor uint64
	isBottomLevel bool

	// pending holds the surviving versions of the key being emitted.
	pending []*core.IteratorNode
	current *core.IteratorNode
	err     error
}

var _ core.IteratorInterface = (*CompactionIterator)(nil)

// NewCompactionIterator primes the sources and builds the ascending merge.
func NewCompactionIterator(params CompactionIteratorParams) (*CompactionIterator, error) {
	if params.Comparator == nil {
		params.Comparator = core.DefaultComparator
	}
	ci := &CompactionIterator{
		iters:         params.Iters,
		cmp:           params.Comparator,
		mergeOperator: params.MergeOperator,
		snapshotFloor: params.SnapshotFloor,
		isBottomLevel: params.IsBottomLevel,
		heap: &mergingHeap{
			items: make([]*heapItem, 0, len(params.Iters)),
			cmp:   params.Comparator,
			order: core.Ascending,
		},
	}
	for _, iter := range params.Iters {
		if iter.Next() {
			item, err := newHeapItem(iter)
			if err != nil {
				ci.Close()
				return nil, err
			}
			ci.heap.items = append(ci.heap.items, item)
		} else if err := iter.Error(); err != nil {
			ci.Close()
			return nil, err
		}
	}
	heap.Init(ci.heap)
	return ci, nil
}

func (ci *CompactionIterator) Next() bool {
	if ci.err != nil {
		return false
	}
	for {
		if len(ci.pending) > 0 {
			ci.current = ci.pending[0]
			ci.pending = ci.pending[1:]
			return true
		}

		versions, key, err := nextKeyVersions(ci.heap)
		if err != nil {
			ci.err = err
			return false
		}
		if versions == nil {
			ci.current = nil
			return false
		}

		surviving, err := ci.survivors(key, versions)
		if err != nil {
			ci.err = err
			return false
		}
		ci.pending = surviving
	}
}

// survivors decides which versions of one key the compaction output keeps,
// newest first:
//   - every version above the snapshot floor survives verbatim, since some
//     snapshot may still need exactly it;
//   - of the versions at or below the floor, only the newest is reachable
//     by any reader; it is resolved (merge chains folded) and kept, unless
//     it resolves to a tombstone at the bottom level, where nothing older
//     can exist and the tombstone has done its work.
func (ci *CompactionIterator) survivors(key []byte, versions []*core.IteratorNode) ([]*core.IteratorNode, error) {
	// Output entries must stay in (key ASC, seq DESC) order for the writer.
	sort.Slice(versions, func(i, j int) bool { return versions[i].SeqNum > versions[j].SeqNum })

	var out []*core.IteratorNode
	for _, v := range versions {
		if v.SeqNum > ci.snapshotFloor {
			out = append(out, v)
		}
	}

	resolved, err := resolveVersions(key, versions, ci.snapshotFloor, ci.mergeOperator)
	if errors.Is(err, core.ErrMergeOperatorMissing) {
		// Without an operator the below-floor merge chain cannot be
		// folded; keep it verbatim down to its base so reads can fold it
		// later.
		for _, v := range versions {
			if v.SeqNum <= ci.snapshotFloor {
				out = append(out, v)
				if v.EntryType != core.EntryTypeMerge {
					break
				}
			}
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		if resolved.EntryType == core.EntryTypeDelete && ci.isBottomLevel {
			return out, nil
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (ci *CompactionIterator) At() (*core.IteratorNode, error) {
	if ci.current == nil {
		return nil, fmt.Errorf("iterator is not positioned on a valid entry")
	}
	return ci.current, nil
}

func (ci *CompactionIterator) Error() error { return ci.err }

func (ci *CompactionIterator) Close() error {
	var firstErr error
	for _, iter := range ci.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ci.iters = nil
	ci.heap = nil
	return firstErr
}
