package engine

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/iterator"
	"github.com/INLOpen/nexuskv/sstable"
)

// compactionLoop wakes on a timer and on explicit triggers, scanning every
// column family for levels over their thresholds.
func (db *DB) compactionLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.shutdownCh:
			return
		case <-ticker.C:
			db.runCompactionCycle()
		case <-db.compactCh:
			db.runCompactionCycle()
		}
	}
}

// maybeTriggerCompaction nudges the compaction loop without blocking.
func (db *DB) maybeTriggerCompaction() {
	select {
	case db.compactCh <- struct{}{}:
	default:
	}
}

// TriggerCompaction asks the background manager to evaluate all column
// families now instead of waiting for the next tick.
func (db *DB) TriggerCompaction() {
	db.maybeTriggerCompaction()
}

// runCompactionCycle launches one compaction per needy column family level,
// bounded by MaxConcurrentCompactions.
func (db *DB) runCompactionCycle() {
	db.mu.RLock()
	cfs := make([]*columnFamily, 0, len(db.cfs))
	for _, cf := range db.cfs {
		cfs = append(cfs, cf)
	}
	db.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(db.opts.MaxConcurrentCompactions)
	for _, cf := range cfs {
		cf := cf
		g.Go(func() error {
			if !cf.compactMu.TryLock() {
				return nil
			}
			defer cf.compactMu.Unlock()
			if err := db.compactFamilyOnce(cf); err != nil {
				db.logger.Error("compaction failed", "column_family", cf.name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// compactFamilyOnce performs at most one compaction step for the family: L0
// first, then the first intermediate level over its target. Caller holds
// cf.compactMu.
func (db *DB) compactFamilyOnce(cf *columnFamily) error {
	if cf.dropped.Load() {
		return nil
	}
	if cf.levels.NeedsL0Compaction(db.opts.MaxL0Files, db.opts.L0CompactionTriggerSize) {
		return db.compactL0(cf)
	}
	for level := 1; level < cf.levels.MaxLevels()-1; level++ {
		if cf.levels.NeedsLevelNCompaction(level, db.opts.TargetSizeMultiplier) {
			return db.compactLevelN(cf, level)
		}
	}
	return nil
}

// compactL0 merges every L0 table with the overlapping part of L1. All of L0
// participates because its tables overlap each other.
func (db *DB) compactL0(cf *columnFamily) error {
	l0Tables := cf.levels.GetTablesForLevel(0)
	if len(l0Tables) == 0 {
		return nil
	}
	minKey, maxKey := keySpan(cf.opts.Comparator, l0Tables)
	l1Overlap := cf.levels.GetOverlappingTables(1, minKey, maxKey)

	inputs := append(append([]*sstable.SSTable(nil), l0Tables...), l1Overlap...)
	return db.compactTables(cf, inputs, 0, 1)
}

// compactLevelN moves one table from level n into level n+1 together with
// the tables it overlaps there.
func (db *DB) compactLevelN(cf *columnFamily, level int) error {
	candidate := cf.levels.PickCompactionCandidateForLevelN(level)
	if candidate == nil {
		return nil
	}
	overlap := cf.levels.GetOverlappingTables(level+1, candidate.MinKey(), candidate.MaxKey())
	inputs := append([]*sstable.SSTable{candidate}, overlap...)
	return db.compactTables(cf, inputs, level, level+1)
}

// compactTables merges the inputs into fresh tables at targetLevel and swaps
// them into the tree.
func (db *DB) compactTables(cf *columnFamily, inputs []*sstable.SSTable, sourceLevel, targetLevel int) error {
	if len(inputs) == 0 {
		return nil
	}
	// Pin the inputs for the duration of the merge so a concurrent
	// DropColumnFamily cannot delete their files out from under us.
	for _, table := range inputs {
		table.Ref()
	}
	defer func() {
		for _, table := range inputs {
			if err := table.Unref(); err != nil {
				db.logger.Warn("failed to unpin compaction input table", "table_id", table.ID(), "error", err)
			}
		}
	}()
	minKey, maxKey := keySpan(cf.opts.Comparator, inputs)

	sources := make([]core.IteratorInterface, 0, len(inputs))
	for _, table := range inputs {
		it, err := table.NewIterator(nil, nil, core.Ascending)
		if err != nil {
			closeAll(sources)
			return fmt.Errorf("failed to open compaction input %d: %w", table.ID(), err)
		}
		sources = append(sources, it)
	}

	ci, err := iterator.NewCompactionIterator(iterator.CompactionIteratorParams{
		Iters:         sources,
		Comparator:    cf.opts.Comparator,
		MergeOperator: cf.opts.MergeOperator,
		SnapshotFloor: db.snapshots.floor(db.visibleSeq.Load()),
		IsBottomLevel: db.isBottomFor(cf, targetLevel, minKey, maxKey),
	})
	if err != nil {
		closeAll(sources)
		return err
	}
	defer ci.Close()

	newTables, err := db.writeCompactionOutputs(cf, ci)
	if err != nil {
		for _, table := range newTables {
			table.Remove()
		}
		return err
	}

	if err := cf.levels.ApplyCompactionResults(sourceLevel, targetLevel, newTables, inputs); err != nil {
		for _, table := range newTables {
			table.Remove()
		}
		return err
	}
	if err := db.persistManifest(); err != nil {
		return err
	}

	// Inputs may still be pinned by open iterators; the file goes away when
	// the last reference drains.
	for _, table := range inputs {
		table.MarkObsolete()
		if err := table.Unref(); err != nil {
			db.logger.Warn("failed to release compacted input table", "table_id", table.ID(), "error", err)
		}
	}
	db.logger.Info("compaction finished",
		"column_family", cf.name,
		"source_level", sourceLevel,
		"target_level", targetLevel,
		"inputs", len(inputs),
		"outputs", len(newTables))
	return nil
}

// writeCompactionOutputs drains the iterator into tables that roll over at
// TargetSSTableSize.
func (db *DB) writeCompactionOutputs(cf *columnFamily, ci core.IteratorInterface) ([]*sstable.SSTable, error) {
	compressor, err := compressors.Get(cf.opts.CompressionType)
	if err != nil {
		return nil, err
	}

	var outputs []*sstable.SSTable
	var writer core.SSTableWriterInterface
	var writerID uint64

	finishWriter := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Finish(); err != nil {
			writer.Abort()
			writer = nil
			return err
		}
		table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
			FilePath:   writer.FilePath(),
			ID:         writerID,
			Comparator: cf.opts.Comparator,
			BlockCache: db.blockCache,
			Logger:     db.opts.Logger,
		})
		if err != nil {
			os.Remove(writer.FilePath())
			writer = nil
			return err
		}
		outputs = append(outputs, table)
		writer = nil
		return nil
	}

	for ci.Next() {
		node, err := ci.At()
		if err != nil {
			if writer != nil {
				writer.Abort()
			}
			return outputs, err
		}
		if writer == nil {
			writerID = db.nextFileID.Add(1)
			writer, err = sstable.NewSSTableWriter(core.SSTableWriterOptions{
				DataDir:                      db.sstDir,
				ID:                           writerID,
				BloomFilterFalsePositiveRate: db.opts.BloomFilterFalsePositiveRate,
				BlockSize:                    db.opts.SSTableBlockSize,
				Compressor:                   compressor,
				Logger:                       db.opts.Logger,
			})
			if err != nil {
				return outputs, err
			}
		}
		if err := writer.Add(node.Key, node.Value, node.EntryType, node.SeqNum); err != nil {
			writer.Abort()
			return outputs, err
		}
		if writer.CurrentSize() >= db.opts.TargetSSTableSize {
			if err := finishWriter(); err != nil {
				return outputs, err
			}
		}
	}
	if err := ci.Error(); err != nil {
		if writer != nil {
			writer.Abort()
		}
		return outputs, err
	}
	if err := finishWriter(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// isBottomFor reports whether no level below targetLevel holds data in the
// compaction's key span, which allows tombstones to be dropped.
func (db *DB) isBottomFor(cf *columnFamily, targetLevel int, minKey, maxKey []byte) bool {
	for level := targetLevel + 1; level < cf.levels.MaxLevels(); level++ {
		if len(cf.levels.GetOverlappingTables(level, minKey, maxKey)) > 0 {
			return false
		}
	}
	return true
}

func keySpan(cmp core.Comparator, tables []*sstable.SSTable) ([]byte, []byte) {
	var minKey, maxKey []byte
	for _, table := range tables {
		if minKey == nil || cmp.Compare(table.MinKey(), minKey) < 0 {
			minKey = table.MinKey()
		}
		if maxKey == nil || cmp.Compare(table.MaxKey(), maxKey) > 0 {
			maxKey = table.MaxKey()
		}
	}
	return minKey, maxKey
}

// CompactRange synchronously compacts the whole keyspace of one column
// family down the tree, level by level. Useful after bulk deletes.
func (db *DB) CompactRange(cfName string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.readOnly.Load() {
		return ErrReadOnly
	}
	cf, err := db.getCF(cfName)
	if err != nil {
		return err
	}

	cf.compactMu.Lock()
	defer cf.compactMu.Unlock()

	if err := db.compactL0(cf); err != nil {
		return err
	}
	for level := 1; level < cf.levels.MaxLevels()-1; level++ {
		tables := cf.levels.GetTablesForLevel(level)
		if len(tables) == 0 {
			continue
		}
		minKey, maxKey := keySpan(cf.opts.Comparator, tables)
		overlap := cf.levels.GetOverlappingTables(level+1, minKey, maxKey)
		inputs := append(append([]*sstable.SSTable(nil), tables...), overlap...)
		if err := db.compactTables(cf, inputs, level, level+1); err != nil {
			return err
		}
	}
	return nil
}
