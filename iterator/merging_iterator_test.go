package iterator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
)

// appendOperator joins operands with commas, RocksDB-example style.
type appendOperator struct{}

func (appendOperator) Name() string { return "append" }
func (appendOperator) FullMerge(key, existing []byte, operands [][]byte) ([]byte, error) {
	out := append([]byte(nil), existing...)
	for _, op := range operands {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, op...)
	}
	return out, nil
}

func collectAll(t *testing.T, it core.IteratorInterface) []string {
	t.Helper()
	var got []string
	for it.Next() {
		n, err := it.At()
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("%s=%s@%d", n.Key, n.Value, n.SeqNum))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	return got
}

func TestMergingIterator_NewestVersionWins(t *testing.T) {
	newer := newSliceIterator([]*core.IteratorNode{
		node("a", "a2", core.EntryTypePut, 20),
		node("c", "c1", core.EntryTypePut, 15),
	})
	older := newSliceIterator([]*core.IteratorNode{
		node("a", "a1", core.EntryTypePut, 10),
		node("b", "b1", core.EntryTypePut, 5),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{newer, older},
		MaxSeqNum: ^uint64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a2@20", "b=b1@5", "c=c1@15"}, collectAll(t, mi))
}

func TestMergingIterator_SequenceBoundHidesNewerVersions(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("a", "a3", core.EntryTypePut, 30),
		node("a", "a2", core.EntryTypePut, 20),
		node("a", "a1", core.EntryTypePut, 10),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src},
		MaxSeqNum: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a2@20"}, collectAll(t, mi))
}

func TestMergingIterator_TombstoneHidesKey(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("a", "", core.EntryTypeDelete, 20),
		node("a", "a1", core.EntryTypePut, 10),
		node("b", "b1", core.EntryTypePut, 5),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src},
		MaxSeqNum: ^uint64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b=b1@5"}, collectAll(t, mi))

	// A reader pinned before the delete still sees the old value.
	src2 := newSliceIterator([]*core.IteratorNode{
		node("a", "", core.EntryTypeDelete, 20),
		node("a", "a1", core.EntryTypePut, 10),
	})
	mi, err = NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src2},
		MaxSeqNum: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a1@10"}, collectAll(t, mi))
}

func TestMergingIterator_RangeBounds(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("a", "1", core.EntryTypePut, 1),
		node("b", "2", core.EntryTypePut, 2),
		node("c", "3", core.EntryTypePut, 3),
		node("d", "4", core.EntryTypePut, 4),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src},
		StartKey:  []byte("b"),
		EndKey:    []byte("d"),
		MaxSeqNum: ^uint64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b=2@2", "c=3@3"}, collectAll(t, mi))
}

func TestMergingIterator_Descending(t *testing.T) {
	// Descending sources yield keys in reverse, versions oldest-first.
	src := newSliceIterator([]*core.IteratorNode{
		node("c", "c1", core.EntryTypePut, 3),
		node("b", "b1", core.EntryTypePut, 1),
		node("b", "b2", core.EntryTypePut, 5),
		node("a", "a1", core.EntryTypePut, 2),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src},
		Order:     core.Descending,
		MaxSeqNum: ^uint64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c=c1@3", "b=b2@5", "a=a1@2"}, collectAll(t, mi))
}

func TestMergingIterator_MergeOperandsFold(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("k", "z", core.EntryTypeMerge, 30),
		node("k", "y", core.EntryTypeMerge, 20),
		node("k", "x", core.EntryTypePut, 10),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:         []core.IteratorInterface{src},
		MaxSeqNum:     ^uint64(0),
		MergeOperator: appendOperator{},
	})
	require.NoError(t, err)
	// Base first, then operands oldest to newest.
	assert.Equal(t, []string{"k=x,y,z@10"}, collectAll(t, mi))
}

func TestMergingIterator_MergeAboveTombstone(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("k", "b", core.EntryTypeMerge, 30),
		node("k", "", core.EntryTypeDelete, 20),
		node("k", "dead", core.EntryTypePut, 10),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:         []core.IteratorInterface{src},
		MaxSeqNum:     ^uint64(0),
		MergeOperator: appendOperator{},
	})
	require.NoError(t, err)
	// The tombstone cuts off the old value; the operand starts fresh.
	assert.Equal(t, []string{"k=b@20"}, collectAll(t, mi))
}

func TestMergingIterator_MergeWithoutOperatorFails(t *testing.T) {
	src := newSliceIterator([]*core.IteratorNode{
		node("k", "op", core.EntryTypeMerge, 10),
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:     []core.IteratorInterface{src},
		MaxSeqNum: ^uint64(0),
	})
	require.NoError(t, err)
	assert.False(t, mi.Next())
	assert.ErrorIs(t, mi.Error(), core.ErrMergeOperatorMissing)
	mi.Close()
}

func TestEmptyIterator(t *testing.T) {
	it := NewEmptyIterator()
	assert.False(t, it.Next())
	_, err := it.At()
	assert.Error(t, err)
	assert.NoError(t, it.Error())
	assert.NoError(t, it.Close())
}
