package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/memtable"
)

// columnFamily is one keyspace: its own memtables, level structure,
// comparator and merge operator. All families share the WAL, the sequence
// counter and the block cache.
type columnFamily struct {
	name string
	opts ColumnFamilyOptions

	// mu guards the memtable set; levels has its own locking.
	mu         sync.RWMutex
	active     *memtable.Memtable
	immutables []*memtable.Memtable

	levels *levels.LevelsManager

	// compactMu serializes compactions within the family; concurrent picks
	// would select overlapping input sets.
	compactMu sync.Mutex

	// dropped marks the family deleted; its handle stays so in-flight
	// operations can fail with ErrColumnFamilyNotFound.
	dropped atomic.Bool
	// degraded is set when flushing failed terminally; writes to this
	// family fail fast with ErrReadOnly.
	degraded atomic.Bool
}

func newColumnFamily(name string, opts ColumnFamilyOptions, maxLevels int, baseTargetSize int64, fallback levels.FallbackStrategy) (*columnFamily, error) {
	opts = opts.withDefaults()
	lm, err := levels.NewLevelsManager(maxLevels, baseTargetSize, opts.Comparator, fallback)
	if err != nil {
		return nil, fmt.Errorf("column family %q: %w", name, err)
	}
	return &columnFamily{
		name:   name,
		opts:   opts,
		active: memtable.NewMemtable(opts.MemtableThreshold, opts.Comparator),
		levels: lm,
	}, nil
}

// apply inserts one committed entry into the active memtable. walSegment is
// the WAL segment the entry was logged to; the memtable remembers the first
// one it sees so purge never outruns unflushed data.
func (cf *columnFamily) apply(key, value []byte, entryType core.EntryType, seqNum uint64, walSegment uint64) error {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	if cf.active.FirstWALSegmentIndex == 0 {
		cf.active.FirstWALSegmentIndex = walSegment
	}
	return cf.active.Put(key, value, entryType, seqNum)
}

// rotateIfFull retires a full active memtable into the immutable queue and
// returns true if a flush should be scheduled.
func (cf *columnFamily) rotateIfFull() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if !cf.active.IsFull() {
		return false
	}
	cf.rotateLocked()
	return true
}

// rotate unconditionally retires a non-empty active memtable.
func (cf *columnFamily) rotate() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.active.Len() == 0 {
		return false
	}
	cf.rotateLocked()
	return true
}

func (cf *columnFamily) rotateLocked() {
	cf.immutables = append(cf.immutables, cf.active)
	cf.active = memtable.NewMemtable(cf.opts.MemtableThreshold, cf.opts.Comparator)
}

// immutableCount reports the flush backlog, used for write stalling.
func (cf *columnFamily) immutableCount() int {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.immutables)
}

// oldestImmutable returns the next memtable to flush, nil when the queue is
// empty.
func (cf *columnFamily) oldestImmutable() *memtable.Memtable {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	if len(cf.immutables) == 0 {
		return nil
	}
	return cf.immutables[0]
}

// removeImmutable drops a flushed memtable from the queue.
func (cf *columnFamily) removeImmutable(mt *memtable.Memtable) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	for i, m := range cf.immutables {
		if m == mt {
			cf.immutables = append(cf.immutables[:i], cf.immutables[i+1:]...)
			return
		}
	}
}

// memtableSources returns iterators over the active memtable and every
// immutable, newest first, bounded to [startKey, endKey).
func (cf *columnFamily) memtableSources(startKey, endKey []byte, order core.SortOrder) []core.IteratorInterface {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	sources := make([]core.IteratorInterface, 0, 1+len(cf.immutables))
	sources = append(sources, cf.active.NewIterator(startKey, endKey, order))
	for i := len(cf.immutables) - 1; i >= 0; i-- {
		sources = append(sources, cf.immutables[i].NewIterator(startKey, endKey, order))
	}
	return sources
}

// minUnflushedWALSegment returns the oldest WAL segment still needed by this
// family's unflushed data, or ^uint64(0) if everything is flushed.
func (cf *columnFamily) minUnflushedWALSegment() uint64 {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	minSeg := ^uint64(0)
	for _, mt := range cf.immutables {
		if mt.FirstWALSegmentIndex != 0 && mt.FirstWALSegmentIndex < minSeg {
			minSeg = mt.FirstWALSegmentIndex
		}
	}
	if cf.active.FirstWALSegmentIndex != 0 && cf.active.FirstWALSegmentIndex < minSeg {
		minSeg = cf.active.FirstWALSegmentIndex
	}
	return minSeg
}

func (cf *columnFamily) close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.active.Close()
	for _, mt := range cf.immutables {
		mt.Close()
	}
	cf.immutables = nil
	return cf.levels.Close()
}
