package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/sstable"
)

// scheduleFlush queues a column family for flushing. The channel is
// buffered; a full channel means the worker already has plenty to do and the
// family will be revisited.
func (db *DB) scheduleFlush(cf *columnFamily) {
	select {
	case db.flushCh <- cf:
	default:
	}
}

// flushLoop drains immutable memtables to L0 tables, one at a time.
func (db *DB) flushLoop() {
	defer db.wg.Done()
	for {
		select {
		case <-db.shutdownCh:
			return
		case cf := <-db.flushCh:
			db.flushColumnFamily(cf)
		}
	}
}

// flushColumnFamily flushes every queued immutable of one family, oldest
// first. A flush that keeps failing past FlushMaxRetries degrades the
// engine to read-only; accepting more writes with no way to drain them
// would only grow an unbounded backlog.
func (db *DB) flushColumnFamily(cf *columnFamily) {
	for {
		select {
		case <-db.shutdownCh:
			return
		default:
		}
		if cf.dropped.Load() {
			return
		}
		mt := cf.oldestImmutable()
		if mt == nil {
			return
		}

		table, err := db.flushMemtableWithRetry(cf, mt)
		if err != nil {
			db.logger.Error("flush failed permanently, engine is now read-only",
				"column_family", cf.name, "error", err)
			cf.degraded.Store(true)
			db.readOnly.Store(true)
			return
		}

		if err := cf.levels.AddL0Table(table); err != nil {
			db.logger.Error("failed to register flushed table", "table_id", table.ID(), "error", err)
			table.Close()
			cf.degraded.Store(true)
			db.readOnly.Store(true)
			return
		}
		cf.removeImmutable(mt)
		mt.Close()

		if err := db.persistManifest(); err != nil {
			db.logger.Error("failed to persist manifest after flush", "error", err)
		}
		db.purgeWAL()

		db.logger.Info("memtable flushed",
			"column_family", cf.name,
			"table_id", table.ID(),
			"table_size", table.Size(),
			"entries", table.NumEntries())
		db.maybeTriggerCompaction()
	}
}

// flushMemtableWithRetry builds one L0 table from a memtable, retrying with
// exponential backoff on transient failures.
func (db *DB) flushMemtableWithRetry(cf *columnFamily, mt *memtable.Memtable) (*sstable.SSTable, error) {
	operation := func() (*sstable.SSTable, error) {
		mt.FlushRetries++
		table, err := db.flushMemtable(cf, mt)
		if err != nil {
			db.logger.Warn("flush attempt failed",
				"column_family", cf.name, "attempt", mt.FlushRetries, "error", err)
		}
		return table, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	return backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(db.opts.FlushMaxRetries)))
}

// flushMemtable writes one memtable to a fresh SSTable and opens it for
// reading.
func (db *DB) flushMemtable(cf *columnFamily, mt *memtable.Memtable) (*sstable.SSTable, error) {
	compressor, err := compressors.Get(cf.opts.CompressionType)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	id := db.nextFileID.Add(1)
	writer, err := sstable.NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:                      db.sstDir,
		ID:                           id,
		EstimatedKeys:                uint64(mt.Len()),
		BloomFilterFalsePositiveRate: db.opts.BloomFilterFalsePositiveRate,
		BlockSize:                    db.opts.SSTableBlockSize,
		Compressor:                   compressor,
		Logger:                       db.opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable writer: %w", err)
	}

	if err := mt.FlushToSSTable(writer); err != nil {
		writer.Abort()
		return nil, err
	}
	if err := writer.Finish(); err != nil {
		writer.Abort()
		return nil, err
	}

	table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
		FilePath:   writer.FilePath(),
		ID:         id,
		Comparator: cf.opts.Comparator,
		BlockCache: db.blockCache,
		Logger:     db.opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load flushed sstable %d: %w", id, err)
	}
	return table, nil
}

// purgeWAL drops WAL segments fully covered by flushed data.
func (db *DB) purgeWAL() {
	durable := db.minDurableWALSegment()
	if durable == 0 {
		return
	}
	if err := db.wal.Purge(durable); err != nil {
		db.logger.Warn("failed to purge WAL segments", "up_to", durable, "error", err)
	}
}

// Flush synchronously flushes the given column family: the active memtable
// is rotated and the worker drained before Flush returns.
func (db *DB) Flush(cfName string) error {
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

	db.commitMu.Lock()
	cf.rotate()
	db.commitMu.Unlock()
	db.scheduleFlush(cf)

	deadline := time.Now().Add(30 * time.Second)
	for cf.immutableCount() > 0 {
		if cf.degraded.Load() {
			return fmt.Errorf("column family %q degraded during flush: %w", cfName, ErrReadOnly)
		}
		if db.closed.Load() {
			return ErrClosed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for flush of column family %q", cfName)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
