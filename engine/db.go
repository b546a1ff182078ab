// Package engine assembles the storage engine: a shared write-ahead log,
// per-column-family memtables and leveled SSTables, snapshot-isolated reads
// and background flush and compaction workers.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexuskv/cache"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/iterator"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/INLOpen/nexuskv/wal"
)

// DB is an embedded key-value store with multiple column families, atomic
// write batches, snapshots and merge operators. All methods are safe for
// concurrent use.
type DB struct {
	opts   Options
	dir    string
	sstDir string

	lockFile *os.File

	wal *wal.WAL

	// commitMu serializes the commit path: WAL append, memtable apply and
	// the visibility bump happen under it, so readers never observe a
	// partially applied batch.
	commitMu   sync.Mutex
	visibleSeq atomic.Uint64
	nextFileID atomic.Uint64

	manifestMu  sync.Mutex
	manifestGen uint64

	mu  sync.RWMutex
	cfs map[string]*columnFamily

	snapshots  *snapshotTracker
	blockCache cache.Interface

	flushCh    chan *columnFamily
	compactCh  chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	readOnly atomic.Bool
	closed   atomic.Bool

	logger *slog.Logger
}

// Open opens or creates a database at opts.DataDir. The directory is locked
// against concurrent processes; recovery replays any WAL entries newer than
// the manifest before Open returns.
func Open(opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if opts.DataDir == "" {
		return nil, fmt.Errorf("DataDir must be set")
	}

	dir := opts.DataDir
	sstDir := filepath.Join(dir, core.SSTDirName)
	for _, d := range []string{dir, sstDir, filepath.Join(dir, core.WALDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:       opts,
		dir:        dir,
		sstDir:     sstDir,
		lockFile:   lockFile,
		cfs:        make(map[string]*columnFamily),
		snapshots:  newSnapshotTracker(),
		flushCh:    make(chan *columnFamily, 64),
		compactCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		logger:     opts.Logger.With("component", "Engine"),
	}
	if opts.BlockCacheCapacity > 0 {
		db.blockCache = cache.NewLRUCache(opts.BlockCacheCapacity, nil)
	}

	if err := db.recover(); err != nil {
		db.releaseLock()
		return nil, err
	}

	db.wg.Add(2)
	go db.flushLoop()
	go db.compactionLoop()

	db.logger.Info("database opened",
		"dir", dir,
		"column_families", len(db.cfs),
		"last_seq", db.visibleSeq.Load())
	return db, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, core.LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lock file %s exists: %w", path, core.ErrLocked)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}

func (db *DB) releaseLock() {
	if db.lockFile != nil {
		db.lockFile.Close()
		os.Remove(filepath.Join(db.dir, core.LockFileName))
		db.lockFile = nil
	}
}

// recover rebuilds in-memory state: manifest, table handles, then WAL replay
// for everything the manifest does not cover.
func (db *DB) recover() error {
	manifest, gen, err := readManifest(db.dir)
	if err != nil {
		return err
	}
	db.manifestGen = gen

	var walStart uint64
	if manifest != nil {
		db.nextFileID.Store(manifest.NextFileID)
		db.visibleSeq.Store(manifest.LastSeqNum)
		walStart = manifest.LastWALSegment
		for _, mcf := range manifest.ColumnFamilies {
			cfOpts := db.opts.ColumnFamilies[mcf.Name]
			cf, err := db.buildColumnFamily(mcf.Name, cfOpts)
			if err != nil {
				return err
			}
			if err := verifyColumnFamilyOptions(mcf, cf.opts); err != nil {
				return err
			}
			if err := db.loadTables(cf, mcf.Levels); err != nil {
				return err
			}
			db.cfs[mcf.Name] = cf
		}
	}

	if _, ok := db.cfs[DefaultColumnFamilyName]; !ok {
		cf, err := db.buildColumnFamily(DefaultColumnFamilyName, db.opts.ColumnFamilies[DefaultColumnFamilyName])
		if err != nil {
			return err
		}
		db.cfs[DefaultColumnFamilyName] = cf
	}

	w, recovered, walErr := wal.Open(wal.Options{
		Dir:                filepath.Join(db.dir, core.WALDirName),
		SyncMode:           db.opts.WALSyncMode,
		SyncInterval:       db.opts.WALSyncInterval,
		MaxSegmentSize:     db.opts.WALMaxSegmentSize,
		Logger:             db.opts.Logger,
		StartRecoveryIndex: walStart,
	})
	if w == nil {
		return fmt.Errorf("failed to open WAL: %w", walErr)
	}
	if walErr != nil {
		// A torn tail is expected after a crash: the recovered prefix is
		// complete, the torn record was never acknowledged.
		db.logger.Warn("WAL recovery stopped at a torn record", "error", walErr, "recovered_entries", len(recovered))
	}
	db.wal = w

	maxSeq := db.visibleSeq.Load()
	for _, entry := range recovered {
		if entry.SeqNum <= manifestSeq(manifest) {
			continue
		}
		cf, ok := db.cfs[entry.CF]
		if !ok {
			// The family was dropped after this entry was logged.
			continue
		}
		// Recovery does not know each entry's segment; walStart+1 is a
		// safe lower bound for everything being replayed.
		if err := cf.apply(entry.Key, entry.Value, entry.EntryType, entry.SeqNum, walStart+1); err != nil {
			w.Close()
			return fmt.Errorf("failed to replay WAL entry: %w", err)
		}
		if entry.SeqNum > maxSeq {
			maxSeq = entry.SeqNum
		}
		if cf.rotateIfFull() {
			db.scheduleFlush(cf)
		}
	}
	db.visibleSeq.Store(maxSeq)

	if manifest == nil {
		if err := db.persistManifest(); err != nil {
			w.Close()
			return err
		}
	}
	return nil
}

func manifestSeq(m *manifestState) uint64 {
	if m == nil {
		return 0
	}
	return m.LastSeqNum
}

func (db *DB) buildColumnFamily(name string, cfOpts ColumnFamilyOptions) (*columnFamily, error) {
	return newColumnFamily(name, cfOpts, db.opts.MaxLevels, db.opts.BaseTargetSize, db.opts.CompactionFallback)
}

// verifyColumnFamilyOptions rejects a reopen whose comparator or merge
// operator does not match what the data was written with.
func verifyColumnFamilyOptions(mcf manifestColumnFamily, opts ColumnFamilyOptions) error {
	if mcf.ComparatorName != "" && mcf.ComparatorName != opts.Comparator.Name() {
		return fmt.Errorf("column family %q was created with comparator %q, got %q: %w",
			mcf.Name, mcf.ComparatorName, opts.Comparator.Name(), core.ErrCorrupted)
	}
	opName := ""
	if opts.MergeOperator != nil {
		opName = opts.MergeOperator.Name()
	}
	if mcf.MergeOperatorName != "" && mcf.MergeOperatorName != opName {
		return fmt.Errorf("column family %q was created with merge operator %q, got %q: %w",
			mcf.Name, mcf.MergeOperatorName, opName, core.ErrCorrupted)
	}
	return nil
}

func (db *DB) loadTables(cf *columnFamily, levelIDs [][]uint64) error {
	for levelNum, ids := range levelIDs {
		if len(ids) == 0 {
			continue
		}
		tables := make([]*sstable.SSTable, 0, len(ids))
		for _, id := range ids {
			table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
				FilePath:   filepath.Join(db.sstDir, core.FormatSSTableFileName(id)),
				ID:         id,
				Comparator: cf.opts.Comparator,
				BlockCache: db.blockCache,
				Logger:     db.opts.Logger,
			})
			if err != nil {
				return fmt.Errorf("failed to load sstable %d for column family %q: %w", id, cf.name, err)
			}
			tables = append(tables, table)
		}
		if err := cf.levels.AddTablesToLevel(levelNum, tables); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes nothing; unflushed writes are recovered from the WAL on the
// next open. Background workers are stopped, handles closed, and the
// directory lock released.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.shutdownCh)
	db.wg.Wait()

	var firstErr error
	if err := db.wal.Close(); err != nil {
		firstErr = err
	}
	db.mu.Lock()
	for _, cf := range db.cfs {
		if err := cf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.cfs = nil
	db.mu.Unlock()

	db.releaseLock()
	db.logger.Info("database closed")
	return firstErr
}

// --- Column family management ---

// CreateColumnFamily registers a new empty column family and persists it in
// the manifest.
func (db *DB) CreateColumnFamily(name string, opts ColumnFamilyOptions) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}
	if name == "" {
		return fmt.Errorf("column family name must not be empty")
	}

	db.mu.Lock()
	if _, exists := db.cfs[name]; exists {
		db.mu.Unlock()
		return fmt.Errorf("column family %q: %w", name, ErrColumnFamilyExists)
	}
	cf, err := db.buildColumnFamily(name, opts)
	if err != nil {
		db.mu.Unlock()
		return err
	}
	db.cfs[name] = cf
	db.mu.Unlock()

	if err := db.persistManifest(); err != nil {
		db.mu.Lock()
		delete(db.cfs, name)
		db.mu.Unlock()
		return err
	}
	db.logger.Info("column family created", "name", name)
	return nil
}

// DropColumnFamily removes a column family and deletes its data. The
// "default" family cannot be dropped.
func (db *DB) DropColumnFamily(name string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}
	if name == DefaultColumnFamilyName {
		return fmt.Errorf("the %q column family cannot be dropped", DefaultColumnFamilyName)
	}

	db.mu.Lock()
	cf, ok := db.cfs[name]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("column family %q: %w", name, ErrColumnFamilyNotFound)
	}
	delete(db.cfs, name)
	db.mu.Unlock()

	cf.dropped.Store(true)
	if err := db.persistManifest(); err != nil {
		return err
	}

	// Delete table files after the manifest no longer references them; a
	// file still pinned by an open iterator lingers until its last release.
	states, release := cf.levels.GetSSTablesForRead()
	var tables []*sstable.SSTable
	for _, state := range states {
		tables = append(tables, state.GetTables()...)
	}
	release()
	for _, table := range tables {
		table.MarkObsolete()
		if err := table.Unref(); err != nil {
			db.logger.Warn("failed to release sstable of dropped column family", "table_id", table.ID(), "error", err)
		}
	}
	cf.mu.Lock()
	cf.active.Close()
	for _, mt := range cf.immutables {
		mt.Close()
	}
	cf.immutables = nil
	cf.mu.Unlock()

	db.logger.Info("column family dropped", "name", name)
	return nil
}

// ListColumnFamilies returns the live family names, sorted.
func (db *DB) ListColumnFamilies() []string {
	db.mu.RLock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	db.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (db *DB) getCF(name string) (*columnFamily, error) {
	if name == "" {
		name = DefaultColumnFamilyName
	}
	db.mu.RLock()
	cf, ok := db.cfs[name]
	db.mu.RUnlock()
	if !ok || cf.dropped.Load() {
		return nil, fmt.Errorf("column family %q: %w", name, ErrColumnFamilyNotFound)
	}
	return cf, nil
}

// --- Write path ---

// Put writes key=value to the given column family.
func (db *DB) Put(cfName string, key, value []byte) error {
	b := db.NewWriteBatch()
	b.Put(cfName, key, value)
	return b.Commit()
}

// Delete writes a tombstone for key in the given column family.
func (db *DB) Delete(cfName string, key []byte) error {
	b := db.NewWriteBatch()
	b.Delete(cfName, key)
	return b.Commit()
}

// Merge writes a merge operand for key in the given column family.
func (db *DB) Merge(cfName string, key, value []byte) error {
	b := db.NewWriteBatch()
	b.Merge(cfName, key, value)
	return b.Commit()
}

// commit applies a validated batch: one WAL record, a contiguous sequence
// block, and a single visibility bump at the end.
func (db *DB) commit(entries []batchEntry) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}

	// Resolve every column family before touching the WAL so a bad name
	// fails the whole batch cleanly.
	targets := make(map[string]*columnFamily)
	for _, e := range entries {
		name := e.cf
		if name == "" {
			name = DefaultColumnFamilyName
		}
		cf, ok := targets[name]
		if !ok {
			var err error
			cf, err = db.getCF(name)
			if err != nil {
				return err
			}
			targets[name] = cf
		}
		if e.entryType == core.EntryTypeMerge && cf.opts.MergeOperator == nil {
			return fmt.Errorf("column family %q: %w", name, ErrMergeOperatorMissing)
		}
		if cf.degraded.Load() {
			return fmt.Errorf("column family %q is degraded after flush failures: %w", name, ErrReadOnly)
		}
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	if err := db.waitForWriteCapacity(targets); err != nil {
		return err
	}

	start := db.visibleSeq.Load() + 1
	walEntries := make([]core.WALEntry, len(entries))
	for i, e := range entries {
		name := e.cf
		if name == "" {
			name = DefaultColumnFamilyName
		}
		walEntries[i] = core.WALEntry{
			CF:        name,
			Key:       e.key,
			Value:     e.value,
			EntryType: e.entryType,
			SeqNum:    start + uint64(i),
		}
	}

	if err := db.wal.AppendBatch(walEntries); err != nil {
		return fmt.Errorf("failed to append batch to WAL: %w", err)
	}

	activeSegment := db.wal.ActiveSegmentIndex()
	for _, we := range walEntries {
		cf := targets[we.CF]
		if err := cf.apply(we.Key, we.Value, we.EntryType, we.SeqNum, activeSegment); err != nil {
			// The WAL record is durable, so recovery will reapply it; the
			// in-memory state is inconsistent and writes must stop.
			db.readOnly.Store(true)
			return fmt.Errorf("failed to apply entry to memtable, engine is now read-only: %w", err)
		}
	}
	db.visibleSeq.Store(start + uint64(len(entries)) - 1)

	for _, cf := range targets {
		if cf.rotateIfFull() {
			db.scheduleFlush(cf)
		}
	}
	return nil
}

// waitForWriteCapacity blocks while any target family's flush backlog is at
// the limit, up to WriteStallTimeout.
func (db *DB) waitForWriteCapacity(targets map[string]*columnFamily) error {
	deadline := time.Now().Add(db.opts.WriteStallTimeout)
	for {
		stalled := false
		for _, cf := range targets {
			if cf.immutableCount() >= db.opts.MaxImmutableMemtables {
				stalled = true
				db.scheduleFlush(cf)
			}
		}
		if !stalled {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWriteStalled
		}
		select {
		case <-db.shutdownCh:
			return ErrClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// --- Read path ---

// Get returns the value of key in the given column family. Tombstones and
// missing keys both return ErrNotFound. opts may be nil.
func (db *DB) Get(cfName string, key []byte, opts *ReadOptions) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	cf, err := db.getCF(cfName)
	if err != nil {
		return nil, err
	}
	maxSeq, err := db.readSeq(opts)
	if err != nil {
		return nil, err
	}

	iter, err := db.newBoundedIterator(cf, key, nil, core.Ascending, maxSeq, true)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Next() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	node, err := iter.At()
	if err != nil {
		return nil, err
	}
	if cf.opts.Comparator.Compare(node.Key, key) != 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), node.Value...), nil
}

// NewIterator returns a merged iterator over [startKey, endKey) in the given
// column family. Nil bounds leave that side open. The caller must Close it.
func (db *DB) NewIterator(cfName string, startKey, endKey []byte, order core.SortOrder, opts *ReadOptions) (core.IteratorInterface, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	cf, err := db.getCF(cfName)
	if err != nil {
		return nil, err
	}
	maxSeq, err := db.readSeq(opts)
	if err != nil {
		return nil, err
	}
	return db.newBoundedIterator(cf, startKey, endKey, order, maxSeq, false)
}

// readSeq resolves the visibility bound for a read.
func (db *DB) readSeq(opts *ReadOptions) (uint64, error) {
	if opts == nil || opts.Snapshot == nil {
		return db.visibleSeq.Load(), nil
	}
	s := opts.Snapshot
	if s.released.Load() {
		return 0, ErrSnapshotReleased
	}
	if s.db != db {
		return 0, fmt.Errorf("snapshot belongs to a different database")
	}
	return s.seq, nil
}

// newBoundedIterator assembles memtable and table sources for a range and
// wraps them in a merging iterator. pointLookup prunes tables by bloom
// filter and key bounds.
func (db *DB) newBoundedIterator(cf *columnFamily, startKey, endKey []byte, order core.SortOrder, maxSeq uint64, pointLookup bool) (core.IteratorInterface, error) {
	sources := cf.memtableSources(startKey, endKey, order)

	// Every table touched is pinned for the iterator's lifetime so
	// compaction cannot delete its file out from under the read.
	var pinned []*sstable.SSTable
	unpin := func() {
		for _, t := range pinned {
			t.Unref()
		}
	}

	states, release := cf.levels.GetSSTablesForRead()
	for _, state := range states {
		for _, table := range state.GetTables() {
			if pointLookup {
				if !table.Contains(startKey) {
					continue
				}
			} else if !tableInRange(cf.opts.Comparator, table, startKey, endKey) {
				continue
			}
			table.Ref()
			pinned = append(pinned, table)
			it, err := table.NewIterator(startKey, endKey, order)
			if err != nil {
				release()
				closeAll(sources)
				unpin()
				return nil, err
			}
			sources = append(sources, it)
		}
	}
	release()

	mi, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:         sources,
		Comparator:    cf.opts.Comparator,
		Order:         order,
		StartKey:      startKey,
		EndKey:        endKey,
		MaxSeqNum:     maxSeq,
		MergeOperator: cf.opts.MergeOperator,
	})
	if err != nil {
		closeAll(sources)
		unpin()
		return nil, err
	}
	if len(pinned) == 0 {
		return mi, nil
	}
	return &pinnedIterator{IteratorInterface: mi, tables: pinned}, nil
}

// pinnedIterator couples an iterator's lifetime to references on the tables
// it reads from.
type pinnedIterator struct {
	core.IteratorInterface
	tables []*sstable.SSTable
	once   sync.Once
}

func (p *pinnedIterator) Close() error {
	err := p.IteratorInterface.Close()
	p.once.Do(func() {
		for _, t := range p.tables {
			t.Unref()
		}
	})
	return err
}

func tableInRange(cmp core.Comparator, table *sstable.SSTable, startKey, endKey []byte) bool {
	if startKey != nil && cmp.Compare(table.MaxKey(), startKey) < 0 {
		return false
	}
	if endKey != nil && cmp.Compare(table.MinKey(), endKey) >= 0 {
		return false
	}
	return true
}

func closeAll(iters []core.IteratorInterface) {
	for _, it := range iters {
		it.Close()
	}
}

// --- Snapshots ---

// GetSnapshot pins the current visible sequence number. The snapshot holds
// back compaction garbage collection until released.
func (db *DB) GetSnapshot() (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	seq := db.visibleSeq.Load()
	db.snapshots.acquire(seq)
	return &Snapshot{seq: seq, db: db}, nil
}

// ReleaseSnapshot unpins a snapshot. Releasing twice is a no-op.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	if s == nil || s.db != db {
		return
	}
	if s.released.CompareAndSwap(false, true) {
		db.snapshots.release(s.seq)
	}
}

// --- Maintenance ---

// persistManifest snapshots the current tree into a new manifest generation.
func (db *DB) persistManifest() error {
	db.manifestMu.Lock()
	defer db.manifestMu.Unlock()

	state := &manifestState{
		NextFileID:     db.nextFileID.Load(),
		LastSeqNum:     db.visibleSeq.Load(),
		LastWALSegment: db.minDurableWALSegment(),
	}

	db.mu.RLock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cf := db.cfs[name]
		mcf := manifestColumnFamily{
			Name:           name,
			ComparatorName: cf.opts.Comparator.Name(),
		}
		if cf.opts.MergeOperator != nil {
			mcf.MergeOperatorName = cf.opts.MergeOperator.Name()
		}
		states, release := cf.levels.GetSSTablesForRead()
		mcf.Levels = make([][]uint64, len(states))
		for i, level := range states {
			for _, table := range level.GetTables() {
				mcf.Levels[i] = append(mcf.Levels[i], table.ID())
			}
		}
		release()
		state.ColumnFamilies = append(state.ColumnFamilies, mcf)
	}
	db.mu.RUnlock()

	gen := db.manifestGen + 1
	if err := writeManifest(db.dir, gen, state); err != nil {
		return err
	}
	db.manifestGen = gen
	purgeOldManifests(db.dir, gen)
	return nil
}

// minDurableWALSegment returns the newest WAL segment index fully covered by
// flushed data: every segment at or below it can be replayed away.
func (db *DB) minDurableWALSegment() uint64 {
	if db.wal == nil {
		return 0
	}
	active := db.wal.ActiveSegmentIndex()
	minUnflushed := ^uint64(0)
	db.mu.RLock()
	for _, cf := range db.cfs {
		if seg := cf.minUnflushedWALSegment(); seg < minUnflushed {
			minUnflushed = seg
		}
	}
	db.mu.RUnlock()
	// The active segment keeps receiving writes, so it is never covered
	// even when every memtable is flushed.
	if minUnflushed > active {
		minUnflushed = active
	}
	if minUnflushed == 0 {
		return 0
	}
	return minUnflushed - 1
}

// VerifyIntegrity checks every SSTable of every column family against its
// checksums. It returns one error per corrupted table.
func (db *DB) VerifyIntegrity() []error {
	if db.closed.Load() {
		return []error{ErrClosed}
	}
	var errs []error
	db.mu.RLock()
	cfs := make([]*columnFamily, 0, len(db.cfs))
	for _, cf := range db.cfs {
		cfs = append(cfs, cf)
	}
	db.mu.RUnlock()

	for _, cf := range cfs {
		states, release := cf.levels.GetSSTablesForRead()
		var tables []*sstable.SSTable
		for _, state := range states {
			tables = append(tables, state.GetTables()...)
		}
		release()
		for _, table := range tables {
			if err := table.VerifyIntegrity(); err != nil {
				errs = append(errs, fmt.Errorf("column family %q table %d: %w", cf.name, table.ID(), err))
			}
		}
		if consistencyErrs := cf.levels.VerifyConsistency(); len(consistencyErrs) > 0 {
			for _, err := range consistencyErrs {
				errs = append(errs, fmt.Errorf("column family %q: %w", cf.name, err))
			}
		}
	}
	return errs
}
