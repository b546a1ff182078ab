package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
)

// appendOperator joins operands with commas, the canonical list-append merge.
type appendOperator struct{}

func (appendOperator) FullMerge(key, existing []byte, operands [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if existing != nil {
		buf.Write(existing)
	}
	for _, op := range operands {
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.Write(op)
	}
	return buf.Bytes(), nil
}

func (appendOperator) Name() string { return "append" }

func openTestDB(t *testing.T, mutate func(*Options)) *DB {
	t.Helper()
	opts := Options{DataDir: t.TempDir()}
	if mutate != nil {
		mutate(&opts)
	}
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_PutGetDelete(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Put("", []byte("alpha"), []byte("1")))
	require.NoError(t, db.Put("", []byte("beta"), []byte("2")))

	val, err := db.Get("", []byte("alpha"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	// Overwrite wins.
	require.NoError(t, db.Put("", []byte("alpha"), []byte("1b")))
	val, err = db.Get("", []byte("alpha"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1b"), val)

	// Delete hides the key.
	require.NoError(t, db.Delete("", []byte("alpha")))
	_, err = db.Get("", []byte("alpha"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a key that never existed is fine.
	require.NoError(t, db.Delete("", []byte("ghost")))
	_, err = db.Get("", []byte("ghost"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unrelated key untouched.
	val, err = db.Get("", []byte("beta"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
}

func TestDB_GetValidation(t *testing.T) {
	db := openTestDB(t, nil)

	_, err := db.Get("", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = db.Get("nope", []byte("k"), nil)
	assert.ErrorIs(t, err, ErrColumnFamilyNotFound)
}

func TestDB_SnapshotIsolation(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Put("", []byte("a"), []byte("1")))
	require.NoError(t, db.Put("", []byte("a"), []byte("2")))

	snap, err := db.GetSnapshot()
	require.NoError(t, err)

	require.NoError(t, db.Put("", []byte("a"), []byte("3")))
	require.NoError(t, db.Put("", []byte("b"), []byte("new")))

	// The snapshot still sees the world as of its creation.
	val, err := db.Get("", []byte("a"), &ReadOptions{Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
	_, err = db.Get("", []byte("b"), &ReadOptions{Snapshot: snap})
	assert.ErrorIs(t, err, ErrNotFound)

	// The default view sees the latest.
	val, err = db.Get("", []byte("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)

	db.ReleaseSnapshot(snap)
	_, err = db.Get("", []byte("a"), &ReadOptions{Snapshot: snap})
	assert.ErrorIs(t, err, ErrSnapshotReleased)

	// Double release is a no-op.
	db.ReleaseSnapshot(snap)
	assert.Equal(t, 0, db.snapshots.count())
}

func TestDB_SnapshotSeesThroughDelete(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Put("", []byte("k"), []byte("v")))
	snap, err := db.GetSnapshot()
	require.NoError(t, err)
	defer db.ReleaseSnapshot(snap)

	require.NoError(t, db.Delete("", []byte("k")))

	_, err = db.Get("", []byte("k"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	val, err := db.Get("", []byte("k"), &ReadOptions{Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestDB_WriteBatchAtomicity(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.CreateColumnFamily("meta", ColumnFamilyOptions{}))

	b := db.NewWriteBatch()
	b.Put("", []byte("k1"), []byte("v1"))
	b.Put("meta", []byte("k2"), []byte("v2"))
	b.Delete("", []byte("k3"))
	require.NoError(t, b.Commit())

	val, err := db.Get("", []byte("k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
	val, err = db.Get("meta", []byte("k2"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	// A second commit of the same batch is rejected.
	assert.ErrorIs(t, b.Commit(), ErrBatchReused)
}

func TestDB_WriteBatchValidation(t *testing.T) {
	db := openTestDB(t, func(o *Options) {
		o.MaxBatchEntries = 2
		o.MaxKeySize = 8
		o.MaxValueSize = 16
	})

	// Invalid entries poison the batch and nothing is applied.
	b := db.NewWriteBatch()
	b.Put("", []byte("ok"), []byte("v"))
	b.Put("", nil, []byte("v"))
	assert.ErrorIs(t, b.Commit(), ErrEmptyKey)
	_, err := db.Get("", []byte("ok"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	b = db.NewWriteBatch()
	b.Put("", []byte("way-too-long-key"), []byte("v"))
	assert.ErrorIs(t, b.Commit(), ErrKeyTooLarge)

	b = db.NewWriteBatch()
	b.Put("", []byte("k"), bytes.Repeat([]byte("x"), 17))
	assert.ErrorIs(t, b.Commit(), ErrValueTooLarge)

	b = db.NewWriteBatch()
	b.Put("", []byte("a"), []byte("1"))
	b.Put("", []byte("b"), []byte("2"))
	b.Put("", []byte("c"), []byte("3"))
	assert.ErrorIs(t, b.Commit(), ErrBatchTooLarge)

	// An unknown column family fails the whole batch before the WAL.
	b = db.NewWriteBatch()
	b.Put("missing", []byte("a"), []byte("1"))
	assert.ErrorIs(t, b.Commit(), ErrColumnFamilyNotFound)

	// Empty batch commit is a no-op.
	assert.NoError(t, db.NewWriteBatch().Commit())
}

func TestDB_ColumnFamilies(t *testing.T) {
	db := openTestDB(t, nil)

	assert.Equal(t, []string{DefaultColumnFamilyName}, db.ListColumnFamilies())

	require.NoError(t, db.CreateColumnFamily("users", ColumnFamilyOptions{}))
	require.NoError(t, db.CreateColumnFamily("events", ColumnFamilyOptions{}))
	assert.Equal(t, []string{"default", "events", "users"}, db.ListColumnFamilies())

	assert.ErrorIs(t, db.CreateColumnFamily("users", ColumnFamilyOptions{}), ErrColumnFamilyExists)

	// Same key, different families, different values.
	require.NoError(t, db.Put("users", []byte("k"), []byte("u")))
	require.NoError(t, db.Put("events", []byte("k"), []byte("e")))
	val, err := db.Get("users", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("u"), val)
	val, err = db.Get("events", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("e"), val)
	_, err = db.Get("", []byte("k"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DropColumnFamily("events"))
	_, err = db.Get("events", []byte("k"), nil)
	assert.ErrorIs(t, err, ErrColumnFamilyNotFound)
	assert.ErrorIs(t, db.DropColumnFamily("events"), ErrColumnFamilyNotFound)

	err = db.DropColumnFamily(DefaultColumnFamilyName)
	require.Error(t, err)
}

func TestDB_MergeOperator(t *testing.T) {
	db := openTestDB(t, func(o *Options) {
		o.ColumnFamilies = map[string]ColumnFamilyOptions{
			"lists": {MergeOperator: appendOperator{}},
		}
	})
	require.NoError(t, db.CreateColumnFamily("lists", ColumnFamilyOptions{MergeOperator: appendOperator{}}))

	// Merge onto nothing, then onto the folded result.
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("a")))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("b")))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("c")))
	val, err := db.Get("lists", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b,c"), val)

	// A Put resets the base.
	require.NoError(t, db.Put("lists", []byte("k"), []byte("base")))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("d")))
	val, err = db.Get("lists", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("base,d"), val)

	// A Delete resets to nothing.
	require.NoError(t, db.Delete("lists", []byte("k")))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("e")))
	val, err = db.Get("lists", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("e"), val)

	// Merging into a family without an operator is rejected at commit.
	err = db.Merge("", []byte("k"), []byte("x"))
	assert.ErrorIs(t, err, ErrMergeOperatorMissing)
}

func TestDB_Iterator(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, db.Put("", []byte(key), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, db.Delete("", []byte("key-03")))

	iter, err := db.NewIterator("", []byte("key-01"), []byte("key-07"), core.Ascending, nil)
	require.NoError(t, err)
	var keys []string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		keys = append(keys, string(node.Key))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	assert.Equal(t, []string{"key-01", "key-02", "key-04", "key-05", "key-06"}, keys)

	iter, err = db.NewIterator("", nil, nil, core.Descending, nil)
	require.NoError(t, err)
	keys = keys[:0]
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		keys = append(keys, string(node.Key))
	}
	require.NoError(t, iter.Close())
	assert.Equal(t, 9, len(keys))
	assert.Equal(t, "key-09", keys[0])
	assert.Equal(t, "key-00", keys[8])
}

func TestDB_FlushAndReadFromSSTable(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, db.Put("", []byte(key), []byte(fmt.Sprintf("value-%03d", i))))
	}
	require.NoError(t, db.Flush(""))

	// The data now lives in an L0 table.
	cf, err := db.getCF("")
	require.NoError(t, err)
	assert.Equal(t, 0, cf.immutableCount())
	assert.Greater(t, cf.levels.GetTotalTableCount(), 0)

	for _, i := range []int{0, 42, 99} {
		key := fmt.Sprintf("key-%03d", i)
		val, err := db.Get("", []byte(key), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%03d", i)), val)
	}

	// Memtable writes shadow flushed data.
	require.NoError(t, db.Put("", []byte("key-042"), []byte("fresh")))
	val, err := db.Get("", []byte("key-042"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)

	assert.Empty(t, db.VerifyIntegrity())
}

func TestDB_RecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, db.Put("", []byte("persisted"), []byte("yes")))
	b := db.NewWriteBatch()
	b.Put("", []byte("batch-1"), []byte("b1"))
	b.Put("", []byte("batch-2"), []byte("b2"))
	require.NoError(t, b.Commit())
	require.NoError(t, db.Delete("", []byte("persisted")))
	require.NoError(t, db.Close())

	db, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get("", []byte("persisted"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	val, err := db.Get("", []byte("batch-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), val)
	val, err = db.Get("", []byte("batch-2"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("b2"), val)

	// Sequence numbers continue past the recovered high-water mark.
	require.NoError(t, db.Put("", []byte("after"), []byte("recovery")))
	val, err = db.Get("", []byte("after"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovery"), val)
}

func TestDB_RecoveryAfterFlush(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put("", []byte(fmt.Sprintf("flushed-%02d", i)), []byte("on-disk")))
	}
	require.NoError(t, db.Flush(""))
	require.NoError(t, db.Put("", []byte("unflushed"), []byte("in-wal")))
	require.NoError(t, db.Close())

	db, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	val, err := db.Get("", []byte("flushed-25"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("on-disk"), val)
	val, err = db.Get("", []byte("unflushed"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("in-wal"), val)
}

func TestDB_RecoveryPreservesColumnFamilies(t *testing.T) {
	dir := t.TempDir()
	cfOpts := map[string]ColumnFamilyOptions{
		"lists": {MergeOperator: appendOperator{}},
	}

	db, err := Open(Options{DataDir: dir, ColumnFamilies: cfOpts})
	require.NoError(t, err)
	require.NoError(t, db.CreateColumnFamily("lists", cfOpts["lists"]))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("a")))
	require.NoError(t, db.Merge("lists", []byte("k"), []byte("b")))
	require.NoError(t, db.Close())

	db, err = Open(Options{DataDir: dir, ColumnFamilies: cfOpts})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, []string{"default", "lists"}, db.ListColumnFamilies())
	val, err := db.Get("lists", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b"), val)
}

func TestDB_ReopenRejectsMismatchedMergeOperator(t *testing.T) {
	dir := t.TempDir()
	cfOpts := map[string]ColumnFamilyOptions{
		"lists": {MergeOperator: appendOperator{}},
	}

	db, err := Open(Options{DataDir: dir, ColumnFamilies: cfOpts})
	require.NoError(t, err)
	require.NoError(t, db.CreateColumnFamily("lists", cfOpts["lists"]))
	require.NoError(t, db.Close())

	// Reopening without the operator must fail, not silently misread.
	_, err = Open(Options{DataDir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDB_DirectoryLock(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(Options{DataDir: dir})
	assert.ErrorIs(t, err, ErrLocked)

	// The lock is released on close.
	require.NoError(t, db.Close())
	db2, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestDB_ClosedOperationsFail(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Put("", []byte("k"), []byte("v")), ErrClosed)
	_, err := db.Get("", []byte("k"), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.GetSnapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Flush(""), ErrClosed)
}

func TestDB_CompactRange(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 200; i++ {
		require.NoError(t, db.Put("", []byte(fmt.Sprintf("key-%03d", i)), []byte("v1")))
	}
	require.NoError(t, db.Flush(""))
	for i := 0; i < 200; i += 2 {
		require.NoError(t, db.Delete("", []byte(fmt.Sprintf("key-%03d", i))))
	}
	for i := 1; i < 200; i += 2 {
		require.NoError(t, db.Put("", []byte(fmt.Sprintf("key-%03d", i)), []byte("v2")))
	}
	require.NoError(t, db.Flush(""))
	require.NoError(t, db.CompactRange(""))

	cf, err := db.getCF("")
	require.NoError(t, err)
	assert.Equal(t, 0, len(cf.levels.GetTablesForLevel(0)))

	checkLiveKeys := func() {
		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			val, err := db.Get("", key, nil)
			if i%2 == 0 {
				assert.ErrorIs(t, err, ErrNotFound, "key %s", key)
			} else {
				require.NoError(t, err, "key %s", key)
				assert.Equal(t, []byte("v2"), val)
			}
		}
	}
	checkLiveKeys()
	assert.Empty(t, db.VerifyIntegrity())

	// Compacting an already-compacted keyspace changes nothing.
	require.NoError(t, db.CompactRange(""))
	checkLiveKeys()
	assert.Empty(t, db.VerifyIntegrity())
}

func TestDB_SnapshotSurvivesCompaction(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Put("", []byte("k"), []byte("old")))
	snap, err := db.GetSnapshot()
	require.NoError(t, err)
	defer db.ReleaseSnapshot(snap)

	require.NoError(t, db.Put("", []byte("k"), []byte("new")))
	require.NoError(t, db.Flush(""))
	require.NoError(t, db.CompactRange(""))

	val, err := db.Get("", []byte("k"), &ReadOptions{Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), val)

	val, err = db.Get("", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestDB_IngestExternalFile(t *testing.T) {
	db := openTestDB(t, nil)
	scratch := t.TempDir()

	buildFile := func(name string, keys map[string]string) string {
		path := filepath.Join(scratch, name)
		w, err := NewExternalFileWriter(ExternalFileOptions{Path: path})
		require.NoError(t, err)
		var sorted []string
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			require.NoError(t, w.Put([]byte(k), []byte(keys[k])))
		}
		require.NoError(t, w.Finish())
		return path
	}

	path := buildFile("bulk.sst", map[string]string{
		"bulk-a": "1", "bulk-b": "2", "bulk-c": "3",
	})
	require.NoError(t, db.IngestExternalFile("", path, IngestOptions{}))

	val, err := db.Get("", []byte("bulk-b"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)

	// Overlapping ingest is rejected and leaves the store unchanged.
	require.NoError(t, db.Put("", []byte("live"), []byte("value")))
	overlap := buildFile("overlap.sst", map[string]string{
		"bulk-z": "9", "live": "stale",
	})
	err = db.IngestExternalFile("", overlap, IngestOptions{})
	assert.ErrorIs(t, err, ErrOverlappingIngest)
	val, err = db.Get("", []byte("live"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	_, err = db.Get("", []byte("bulk-z"), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// With AllowOverlap the file lands at L0, but live writes still win
	// because ingested entries carry sequence number zero.
	require.NoError(t, db.IngestExternalFile("", overlap, IngestOptions{AllowOverlap: true}))
	val, err = db.Get("", []byte("live"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	val, err = db.Get("", []byte("bulk-z"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("9"), val)
}

func TestDB_IngestRejectsGarbage(t *testing.T) {
	db := openTestDB(t, nil)
	path := filepath.Join(t.TempDir(), "junk.sst")
	require.NoError(t, os.WriteFile(path, []byte("not an sstable"), 0o644))
	err := db.IngestExternalFile("", path, IngestOptions{})
	require.Error(t, err)
}

func TestExternalFileWriter_OrderEnforced(t *testing.T) {
	w, err := NewExternalFileWriter(ExternalFileOptions{
		Path: filepath.Join(t.TempDir(), "out.sst"),
	})
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Put([]byte("b"), []byte("1")))
	require.Error(t, w.Put([]byte("a"), []byte("2")))
	require.Error(t, w.Put([]byte("b"), []byte("3")))
	assert.Equal(t, uint64(1), w.Count())
}

func TestDB_IteratorPinsTablesAcrossCompaction(t *testing.T) {
	db := openTestDB(t, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put("", []byte(fmt.Sprintf("key-%03d", i)), []byte("v1")))
	}
	require.NoError(t, db.Flush(""))

	it, err := db.NewIterator("", nil, nil, core.Ascending, nil)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())

	// Rewrite and compact; the open iterator must keep reading the files it
	// started on.
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put("", []byte(fmt.Sprintf("key-%03d", i)), []byte("v2")))
	}
	require.NoError(t, db.Flush(""))
	require.NoError(t, db.CompactRange(""))

	count := 1
	for it.Next() {
		node, err := it.At()
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), node.Value)
		count++
	}
	require.NoError(t, it.Error())
	assert.Equal(t, 100, count)
}

func TestDB_GetNewestVersionAcrossBlockBoundary(t *testing.T) {
	// Small blocks force the versions of one key to straddle an sstable
	// block boundary after flush; the read path must still surface the
	// newest one.
	db := openTestDB(t, func(o *Options) {
		o.SSTableBlockSize = 60
	})

	require.NoError(t, db.Put("", []byte("a"), []byte("x")))
	require.NoError(t, db.Put("", []byte("k"), []byte("v1")))
	require.NoError(t, db.Put("", []byte("k"), []byte("v2")))
	require.NoError(t, db.Put("", []byte("k"), []byte("v3")))
	require.NoError(t, db.Flush(""))

	val, err := db.Get("", []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), val)

	it, err := db.NewIterator("", []byte("k"), nil, core.Ascending, nil)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	node, err := it.At()
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), node.Key)
	assert.Equal(t, []byte("v3"), node.Value)
}

func TestDB_CompactionInputsSurviveColumnFamilyDrop(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.CreateColumnFamily("scratch", ColumnFamilyOptions{}))
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put("scratch", []byte(fmt.Sprintf("key-%03d", i)), []byte("v")))
	}
	require.NoError(t, db.Flush("scratch"))

	db.mu.Lock()
	cf := db.cfs["scratch"]
	db.mu.Unlock()
	inputs := cf.levels.GetTablesForLevel(0)
	require.NotEmpty(t, inputs)

	// Pin the tables the way a running compaction does, then drop the
	// family out from under it.
	for _, table := range inputs {
		table.Ref()
	}
	require.NoError(t, db.DropColumnFamily("scratch"))

	// The pinned files must survive the drop and stay readable.
	for _, table := range inputs {
		_, err := os.Stat(table.FilePath())
		require.NoError(t, err)
		it, err := table.NewIterator(nil, nil, core.Ascending)
		require.NoError(t, err)
		require.True(t, it.Next())
		require.NoError(t, it.Close())
	}

	// Releasing the pins removes the files.
	for _, table := range inputs {
		require.NoError(t, table.Unref())
	}
	for _, table := range inputs {
		_, err := os.Stat(table.FilePath())
		assert.True(t, os.IsNotExist(err))
	}
}
