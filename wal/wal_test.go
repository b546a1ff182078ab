package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(cf, key, value string, seq uint64) core.WALEntry {
	return core.WALEntry{
		CF:        cf,
		Key:       []byte(key),
		Value:     []byte(value),
		EntryType: core.EntryTypePut,
		SeqNum:    seq,
	}
}

func TestWAL_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()

	w, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	require.Empty(t, recovered)

	require.NoError(t, w.Append(testEntry("default", "k1", "v1", 1)))
	require.NoError(t, w.AppendBatch([]core.WALEntry{
		testEntry("default", "k2", "v2", 2),
		testEntry("cf2", "k3", "v3", 3),
		{CF: "default", Key: []byte("k1"), EntryType: core.EntryTypeDelete, SeqNum: 4},
	}))
	require.NoError(t, w.Close())

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, recovered, 4)
	assert.Equal(t, "k1", string(recovered[0].Key))
	assert.Equal(t, uint64(1), recovered[0].SeqNum)
	assert.Equal(t, "cf2", recovered[2].CF)
	assert.Equal(t, "v3", string(recovered[2].Value))
	assert.Equal(t, core.EntryTypeDelete, recovered[3].EntryType)
	assert.Nil(t, recovered[3].Value)
}

func TestWAL_TornBatchIsInvisible(t *testing.T) {
	dir := t.TempDir()

	w, _, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]core.WALEntry{testEntry("default", "a", "1", 1)}))
	require.NoError(t, w.AppendBatch([]core.WALEntry{
		testEntry("default", "b", "2", 2),
		testEntry("default", "c", "3", 3),
	}))
	activeIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Tear the tail of the second (batch) record, as if the process crashed
	// mid-write.
	path := filepath.Join(dir, core.FormatSegmentFileName(activeIndex))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-5))

	_, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// The complete first record survives; the torn batch is atomic and gone.
	require.Len(t, recovered, 1)
	assert.Equal(t, "a", string(recovered[0].Key))
}

func TestWAL_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()

	w, _, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	require.NoError(t, w.Append(testEntry("default", "key", "value", 1)))
	activeIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Flip a payload byte past the header and the length prefix.
	path := filepath.Join(dir, core.FormatSegmentFileName(activeIndex))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.ErrorIs(t, err, core.ErrCorrupted)
	assert.Empty(t, recovered)
}

func TestWAL_RotationAndPurge(t *testing.T) {
	dir := t.TempDir()

	w, _, err := Open(Options{
		Dir:            dir,
		SyncMode:       SyncDisabled,
		MaxSegmentSize: 256,
	})
	require.NoError(t, err)
	defer w.Close()

	firstIndex := w.ActiveSegmentIndex()
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Append(testEntry("default", "some-longer-key", "some-longer-value-to-fill-segments", uint64(i+1))))
	}
	lastIndex := w.ActiveSegmentIndex()
	require.Greater(t, lastIndex, firstIndex, "small segments should have rotated")

	require.NoError(t, w.Purge(lastIndex-1))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segments int
	for _, f := range files {
		if _, err := core.ParseSegmentFileName(f.Name()); err == nil {
			segments++
		}
	}
	assert.Equal(t, 1, segments, "only the active segment should remain")
}

func TestWAL_StartRecoveryIndexSkipsSegments(t *testing.T) {
	dir := t.TempDir()

	w, _, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	require.NoError(t, w.Append(testEntry("default", "old", "1", 1)))
	require.NoError(t, w.Rotate())
	skipUpTo := w.ActiveSegmentIndex() - 1
	require.NoError(t, w.Append(testEntry("default", "new", "2", 2)))
	require.NoError(t, w.Close())

	_, recovered, err := Open(Options{
		Dir:                dir,
		SyncMode:           SyncAlways,
		StartRecoveryIndex: skipUpTo,
	})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "new", string(recovered[0].Key))
}

func TestWAL_InjectedAppendError(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(Options{Dir: dir, SyncMode: SyncDisabled})
	require.NoError(t, err)
	defer w.Close()

	injected := os.ErrPermission
	w.SetTestingOnlyInjectAppendError(injected)
	assert.ErrorIs(t, w.Append(testEntry("default", "k", "v", 1)), injected)

	w.SetTestingOnlyInjectAppendError(nil)
	assert.NoError(t, w.Append(testEntry("default", "k", "v", 1)))
}
