package iterator

import (
	"container/heap"

	"github.com/INLOpen/nexuskv/core"
)

// heapItem pairs a source iterator with a stable copy of its current entry.
// Copies matter: block iterators reuse their decode buffers on Next.
type heapItem struct {
	iter core.IteratorInterface
	node *core.IteratorNode
}

func newHeapItem(iter core.IteratorInterface) (*heapItem, error) {
	node, err := iter.At()
	if err != nil {
		return nil, err
	}
	return &heapItem{
		iter: iter,
		node: &core.IteratorNode{
			Key:       append([]byte(nil), node.Key...),
			Value:     append([]byte(nil), node.Value...),
			EntryType: node.EntryType,
			SeqNum:    node.SeqNum,
		},
	}, nil
}

// mergingHeap orders source iterators by their current entry: user key in
// the requested direction, then sequence number descending so newer versions
// surface first.
type mergingHeap struct {
	items []*heapItem
	cmp   core.Comparator
	order core.SortOrder
}

var _ heap.Interface = (*mergingHeap)(nil)

func (h *mergingHeap) Len() int { return len(h.items) }

func (h *mergingHeap) Less(i, j int) bool {
	a, b := h.items[i].node, h.items[j].node
	keyCmp := h.cmp.Compare(a.Key, b.Key)
	if keyCmp != 0 {
		if h.order == core.Descending {
			return keyCmp > 0
		}
		return keyCmp < 0
	}
	return a.SeqNum > b.SeqNum
}

func (h *mergingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergingHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*heapItem))
}

func (h *mergingHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}
