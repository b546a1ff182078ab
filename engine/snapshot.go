package engine

import (
	"sync"
	"sync/atomic"
)

// Snapshot is a consistent read-only view of the database at the sequence
// number it was taken. Reads through a snapshot never observe writes
// committed after GetSnapshot returned.
type Snapshot struct {
	seq      uint64
	released atomic.Bool
	db       *DB
}

// SeqNum returns the sequence number the snapshot is pinned to.
func (s *Snapshot) SeqNum() uint64 {
	return s.seq
}

// snapshotTracker refcounts live snapshot sequence numbers so compaction can
// compute the garbage-collection floor. Multiple snapshots may share a
// sequence number.
type snapshotTracker struct {
	mu   sync.Mutex
	refs map[uint64]int
}

func newSnapshotTracker() *snapshotTracker {
	return &snapshotTracker{refs: make(map[uint64]int)}
}

func (t *snapshotTracker) acquire(seq uint64) {
	t.mu.Lock()
	t.refs[seq]++
	t.mu.Unlock()
}

func (t *snapshotTracker) release(seq uint64) {
	t.mu.Lock()
	if n, ok := t.refs[seq]; ok {
		if n <= 1 {
			delete(t.refs, seq)
		} else {
			t.refs[seq] = n - 1
		}
	}
	t.mu.Unlock()
}

// floor returns the smallest live snapshot sequence number, or the given
// visible sequence when no snapshots are held. Every version at or below the
// floor that is shadowed by a newer one is safe to discard.
func (t *snapshotTracker) floor(visible uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := visible
	for seq := range t.refs {
		if seq < min {
			min = seq
		}
	}
	return min
}

func (t *snapshotTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}
