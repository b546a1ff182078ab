package sstable

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/cache"
	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
)

type testEntry struct {
	key       string
	value     string
	entryType core.EntryType
	seqNum    uint64
}

// buildTestSSTable writes entries (which must already be in key ASC, seq
// DESC order) and loads the resulting table back.
func buildTestSSTable(t *testing.T, dir string, id uint64, blockSize int, compressor core.Compressor, entries []testEntry) *SSTable {
	t.Helper()

	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            id,
		EstimatedKeys: uint64(len(entries)),
		BlockSize:     blockSize,
		Compressor:    compressor,
	})
	require.NoError(t, err)

	for _, e := range entries {
		require.NoError(t, writer.Add([]byte(e.key), []byte(e.value), e.entryType, e.seqNum))
	}
	require.NoError(t, writer.Finish())

	sst, err := LoadSSTable(LoadSSTableOptions{
		FilePath: writer.FilePath(),
		ID:       id,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sst.Close() })
	return sst
}

func TestSSTable_WriteLoadGet(t *testing.T) {
	entries := []testEntry{
		{"apple", "v3", core.EntryTypePut, 30},
		{"apple", "v1", core.EntryTypePut, 10},
		{"banana", "", core.EntryTypeDelete, 25},
		{"banana", "old", core.EntryTypePut, 5},
		{"cherry", "ripe", core.EntryTypePut, 40},
	}
	sst := buildTestSSTable(t, t.TempDir(), 1, DefaultBlockSize, &compressors.NoCompressionCompressor{}, entries)

	assert.Equal(t, []byte("apple"), sst.MinKey())
	assert.Equal(t, []byte("cherry"), sst.MaxKey())
	assert.Equal(t, uint64(5), sst.MinSeqNum())
	assert.Equal(t, uint64(40), sst.MaxSeqNum())
	assert.Equal(t, uint64(5), sst.NumEntries())

	// Newest version below the bound wins.
	node, err := sst.Get([]byte("apple"), ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), node.Value)
	assert.Equal(t, uint64(30), node.SeqNum)

	// Bounded read sees only the older version.
	node, err = sst.Get([]byte("apple"), 20)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), node.Value)

	// No version at all below the bound.
	_, err = sst.Get([]byte("apple"), 5)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Tombstones come back with their type intact.
	node, err = sst.Get([]byte("banana"), ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, core.EntryTypeDelete, node.EntryType)

	_, err = sst.Get([]byte("durian"), ^uint64(0))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSSTable_MultiBlockAndCompression(t *testing.T) {
	for _, comp := range []core.Compressor{
		&compressors.NoCompressionCompressor{},
		compressors.NewSnappyCompressor(),
		compressors.NewLz4Compressor(),
		compressors.NewZstdCompressor(),
	} {
		t.Run(fmt.Sprintf("compressor_%d", comp.Type()), func(t *testing.T) {
			var entries []testEntry
			for i := 0; i < 500; i++ {
				entries = append(entries, testEntry{
					key:       fmt.Sprintf("key-%04d", i),
					value:     fmt.Sprintf("value-%04d-padding-padding-padding", i),
					entryType: core.EntryTypePut,
					seqNum:    uint64(i + 1),
				})
			}
			// Tiny block size forces many blocks.
			sst := buildTestSSTable(t, t.TempDir(), 2, 256, comp, entries)
			require.Greater(t, len(sst.index.Entries()), 1)

			for _, i := range []int{0, 1, 137, 255, 499} {
				node, err := sst.Get([]byte(entries[i].key), ^uint64(0))
				require.NoError(t, err, "key %s", entries[i].key)
				assert.Equal(t, []byte(entries[i].value), node.Value)
			}
			require.NoError(t, sst.VerifyIntegrity())
		})
	}
}

func TestSSTable_Iterator(t *testing.T) {
	entries := []testEntry{
		{"a", "a2", core.EntryTypePut, 20},
		{"a", "a1", core.EntryTypePut, 10},
		{"b", "b1", core.EntryTypePut, 15},
		{"c", "", core.EntryTypeDelete, 30},
		{"d", "d1", core.EntryTypePut, 5},
	}
	sst := buildTestSSTable(t, t.TempDir(), 3, DefaultBlockSize, &compressors.NoCompressionCompressor{}, entries)

	collect := func(it core.IteratorInterface) []string {
		t.Helper()
		var got []string
		for it.Next() {
			node, err := it.At()
			require.NoError(t, err)
			got = append(got, fmt.Sprintf("%s@%d", node.Key, node.SeqNum))
		}
		require.NoError(t, it.Error())
		require.NoError(t, it.Close())
		return got
	}

	it, err := sst.NewIterator(nil, nil, core.Ascending)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@20", "a@10", "b@15", "c@30", "d@5"}, collect(it))

	// Half-open range [b, d).
	it, err = sst.NewIterator([]byte("b"), []byte("d"), core.Ascending)
	require.NoError(t, err)
	assert.Equal(t, []string{"b@15", "c@30"}, collect(it))

	it, err = sst.NewIterator(nil, nil, core.Descending)
	require.NoError(t, err)
	assert.Equal(t, []string{"d@5", "c@30", "b@15", "a@10", "a@20"}, collect(it))

	it, err = sst.NewIterator([]byte("b"), []byte("d"), core.Descending)
	require.NoError(t, err)
	assert.Equal(t, []string{"c@30", "b@15"}, collect(it))
}

func TestSSTable_IteratorManyBlocks(t *testing.T) {
	var entries []testEntry
	for i := 0; i < 300; i++ {
		entries = append(entries, testEntry{
			key:       fmt.Sprintf("key-%04d", i),
			value:     fmt.Sprintf("value-%04d", i),
			entryType: core.EntryTypePut,
			seqNum:    uint64(i + 1),
		})
	}
	sst := buildTestSSTable(t, t.TempDir(), 4, 128, &compressors.NoCompressionCompressor{}, entries)

	it, err := sst.NewIterator([]byte("key-0050"), []byte("key-0250"), core.Ascending)
	require.NoError(t, err)
	count := 0
	prev := ""
	for it.Next() {
		node, aerr := it.At()
		require.NoError(t, aerr)
		require.Greater(t, string(node.Key), prev)
		prev = string(node.Key)
		count++
	}
	require.NoError(t, it.Error())
	assert.Equal(t, 200, count)
	require.NoError(t, it.Close())

	it, err = sst.NewIterator([]byte("key-0050"), []byte("key-0250"), core.Descending)
	require.NoError(t, err)
	count = 0
	prev = "zzzz"
	for it.Next() {
		node, aerr := it.At()
		require.NoError(t, aerr)
		require.Less(t, string(node.Key), prev)
		prev = string(node.Key)
		count++
	}
	require.NoError(t, it.Error())
	assert.Equal(t, 200, count)
	require.NoError(t, it.Close())
}

func TestSSTable_BlockCache(t *testing.T) {
	blockCache := cache.NewLRUCache(16, nil)
	dir := t.TempDir()

	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            5,
		EstimatedKeys: 10,
		Compressor:    &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, writer.Add([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), core.EntryTypePut, uint64(i+1)))
	}
	require.NoError(t, writer.Finish())

	sst, err := LoadSSTable(LoadSSTableOptions{FilePath: writer.FilePath(), ID: 5, BlockCache: blockCache})
	require.NoError(t, err)
	defer sst.Close()

	_, err = sst.Get([]byte("k03"), ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, 1, blockCache.Len())

	// Second read of the same block is served from cache.
	_, err = sst.Get([]byte("k07"), ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, 1, blockCache.Len())
}

func TestSSTable_CorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            6,
		EstimatedKeys: 100,
		BlockSize:     128,
		Compressor:    &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, writer.Add([]byte(fmt.Sprintf("key-%03d", i)), []byte("some value data"), core.EntryTypePut, uint64(i+1)))
	}
	require.NoError(t, writer.Finish())
	path := writer.FilePath()

	// Flip a byte inside the first data block, past the file header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[64] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sst, err := LoadSSTable(LoadSSTableOptions{FilePath: path, ID: 6})
	require.NoError(t, err)
	defer sst.Close()

	err = sst.VerifyIntegrity()
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestSSTable_LoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/7.sst"
	require.NoError(t, os.WriteFile(path, []byte("definitely not an sstable, but long enough to hold a footer........."), 0o644))

	_, err := LoadSSTable(LoadSSTableOptions{FilePath: path, ID: 7})
	require.Error(t, err)
}

func TestSSTable_AbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            8,
		EstimatedKeys: 1,
		Compressor:    &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	require.NoError(t, writer.Add([]byte("k"), []byte("v"), core.EntryTypePut, 1))

	tempPath := writer.FilePath()
	require.NoError(t, writer.Abort())
	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSSTable_RefCountDefersDeletion(t *testing.T) {
	dir := t.TempDir()
	sst := buildTestSSTable(t, dir, 9, 0, &compressors.NoCompressionCompressor{}, []testEntry{
		{"k", "v", core.EntryTypePut, 1},
	})
	path := sst.FilePath()

	// A reader pins the table past the owner's release.
	sst.Ref()
	sst.MarkObsolete()
	require.NoError(t, sst.Unref()) // owner
	_, err := os.Stat(path)
	require.NoError(t, err)

	node, err := sst.Get([]byte("k"), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), node.Value)

	require.NoError(t, sst.Unref()) // reader
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSSTable_VersionRunStraddlesBlockBoundary(t *testing.T) {
	// Tiny blocks fit two entries, so the versions of "k" split across a
	// block boundary and the second block's first key equals "k". The newest
	// version lives at the tail of the first block and must still win.
	entries := []testEntry{
		{"a", "x", core.EntryTypePut, 1},
		{"k", "v3", core.EntryTypePut, 30},
		{"k", "v2", core.EntryTypePut, 20},
		{"k", "v1", core.EntryTypePut, 10},
	}
	sst := buildTestSSTable(t, t.TempDir(), 10, 60, &compressors.NoCompressionCompressor{}, entries)
	require.Greater(t, len(sst.index.Entries()), 1, "fixture must span multiple blocks")

	node, err := sst.Get([]byte("k"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), node.Value)
	assert.Equal(t, uint64(30), node.SeqNum)

	// Bounded by sequence number, older versions surface instead.
	node, err = sst.Get([]byte("k"), 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), node.Value)
	node, err = sst.Get([]byte("k"), 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), node.Value)

	// An ascending iterator starting at "k" must yield the newest version
	// first even though it sits in the previous block.
	it, err := sst.NewIterator([]byte("k"), nil, core.Ascending)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	got, err := it.At()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), got.SeqNum)
	assert.Equal(t, []byte("v3"), got.Value)
}

func TestSSTable_VersionRunStraddlesRestartPoint(t *testing.T) {
	// One large block, restart points every 16 entries. Entry 15 is the
	// newest version of "m"; entry 16 opens a restart whose key is also "m",
	// so a search seeded at that restart would miss the newer version.
	var entries []testEntry
	for i := 1; i <= 15; i++ {
		entries = append(entries, testEntry{fmt.Sprintf("b-%02d", i), "v", core.EntryTypePut, 5})
	}
	for _, seq := range []uint64{50, 40, 30, 20} {
		entries = append(entries, testEntry{"m", fmt.Sprintf("m%d", seq), core.EntryTypePut, seq})
	}
	sst := buildTestSSTable(t, t.TempDir(), 11, 1<<20, &compressors.NoCompressionCompressor{}, entries)
	require.Len(t, sst.index.Entries(), 1, "fixture must stay in one block")

	node, err := sst.Get([]byte("m"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("m50"), node.Value)
	assert.Equal(t, uint64(50), node.SeqNum)

	node, err = sst.Get([]byte("m"), 35)
	require.NoError(t, err)
	assert.Equal(t, []byte("m30"), node.Value)
}

func TestSSTableWriter_FailedFinishLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            12,
		EstimatedKeys: 1,
		Compressor:    &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	require.NoError(t, writer.Add([]byte("k"), []byte("v"), core.EntryTypePut, 1))

	// Sabotage the underlying file so Finish fails mid-write.
	tempPath := writer.FilePath()
	concreteWriter, ok := writer.(*SSTableWriter)
	require.True(t, ok)
	require.NoError(t, concreteWriter.file.Close())
	require.Error(t, writer.Finish())

	// The temp file is gone and a follow-up Abort is a harmless no-op.
	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, writer.Abort())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}
