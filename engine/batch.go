package engine

import (
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

type batchEntry struct {
	cf        string
	key       []byte
	value     []byte
	entryType core.EntryType
}

// WriteBatch accumulates writes across column families and commits them
// atomically: all entries become visible at once, or none do. A batch is
// single-use; after Commit it must not be reused.
type WriteBatch struct {
	db        *DB
	entries   []batchEntry
	size      int64
	err       error
	committed bool
}

// NewWriteBatch returns an empty batch bound to the database.
func (db *DB) NewWriteBatch() *WriteBatch {
	return &WriteBatch{db: db}
}

// Put queues a write of key=value to the given column family.
func (b *WriteBatch) Put(cf string, key, value []byte) *WriteBatch {
	b.add(cf, key, value, core.EntryTypePut)
	return b
}

// Delete queues a tombstone for key in the given column family.
func (b *WriteBatch) Delete(cf string, key []byte) *WriteBatch {
	b.add(cf, key, nil, core.EntryTypeDelete)
	return b
}

// Merge queues a merge operand for key in the given column family. The
// column family must have a merge operator configured for reads to resolve
// the operand later.
func (b *WriteBatch) Merge(cf string, key, value []byte) *WriteBatch {
	b.add(cf, key, value, core.EntryTypeMerge)
	return b
}

func (b *WriteBatch) add(cf string, key, value []byte, et core.EntryType) {
	if b.err != nil {
		return
	}
	if err := b.db.validateEntry(key, value); err != nil {
		b.err = err
		return
	}
	// Copy so callers can reuse their buffers after queueing.
	entry := batchEntry{cf: cf, key: append([]byte(nil), key...), entryType: et}
	if value != nil {
		entry.value = append([]byte(nil), value...)
	}
	b.entries = append(b.entries, entry)
	b.size += int64(len(key) + len(value))
}

// Len returns the number of queued entries.
func (b *WriteBatch) Len() int {
	return len(b.entries)
}

// Size returns the total key+value bytes queued.
func (b *WriteBatch) Size() int64 {
	return b.size
}

// Clear resets the batch for reuse before commit.
func (b *WriteBatch) Clear() {
	b.entries = b.entries[:0]
	b.size = 0
	b.err = nil
	b.committed = false
}

// Commit atomically applies every queued entry. The entries receive a
// contiguous block of sequence numbers and are durably logged as a single
// WAL record before becoming visible.
func (b *WriteBatch) Commit() error {
	if b.committed {
		return fmt.Errorf("write batch already committed: %w", ErrBatchReused)
	}
	if b.err != nil {
		return b.err
	}
	if len(b.entries) == 0 {
		b.committed = true
		return nil
	}
	if len(b.entries) > b.db.opts.MaxBatchEntries {
		return fmt.Errorf("batch has %d entries, limit %d: %w", len(b.entries), b.db.opts.MaxBatchEntries, ErrBatchTooLarge)
	}
	if b.size > b.db.opts.MaxBatchSize {
		return fmt.Errorf("batch is %d bytes, limit %d: %w", b.size, b.db.opts.MaxBatchSize, ErrBatchTooLarge)
	}
	if err := b.db.commit(b.entries); err != nil {
		return err
	}
	b.committed = true
	return nil
}

func (db *DB) validateEntry(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > db.opts.MaxKeySize {
		return fmt.Errorf("key is %d bytes, limit %d: %w", len(key), db.opts.MaxKeySize, ErrKeyTooLarge)
	}
	if len(value) > db.opts.MaxValueSize {
		return fmt.Errorf("value is %d bytes, limit %d: %w", len(value), db.opts.MaxValueSize, ErrValueTooLarge)
	}
	return nil
}
