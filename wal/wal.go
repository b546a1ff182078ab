// Package wal implements the segmented write-ahead log shared by all column
// families. Every committed batch becomes one checksummed record, so recovery
// sees a batch entirely or not at all.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexuskv/core"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	// SyncAlways syncs after every append: highest durability, lowest throughput.
	SyncAlways SyncMode = "always"
	// SyncInterval syncs periodically from a background ticker.
	SyncInterval SyncMode = "interval"
	// SyncDisabled never syncs explicitly. Useful for bulk loads and tests.
	SyncDisabled SyncMode = "disabled"
)

// WAL provides durability by logging operations before they are applied to
// memtables. It manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	logger *slog.Logger

	syncTicker *time.Ticker
	syncStop   chan struct{}
	syncDone   sync.WaitGroup

	testingOnlyInjectAppendError error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	SyncInterval   time.Duration
	MaxSegmentSize int64
	Logger         *slog.Logger
	// StartRecoveryIndex skips segments at or below this index during
	// recovery; they are already covered by the manifest.
	StartRecoveryIndex uint64
}

// Open creates or opens a WAL directory. It recovers entries from existing
// segments beyond StartRecoveryIndex and prepares a fresh segment for
// appending. A clean recovery returns a nil error; a torn tail returns the
// recovered prefix along with io.ErrUnexpectedEOF so the caller can decide.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "WAL")
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:    opts.Dir,
		opts:   opts,
		logger: opts.Logger,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	recovered, recoveryErr := w.recover(opts.StartRecoveryIndex)
	if recoveryErr == io.EOF {
		recoveryErr = nil
	}

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	if opts.SyncMode == SyncInterval {
		w.startSyncLoop()
	}

	return w, recovered, recoveryErr
}

// loadSegments scans the WAL directory and populates segmentIndexes.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}
	w.segmentIndexes = w.segmentIndexes[:0]
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(file.Name()); err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

func (w *WAL) startSyncLoop() {
	interval := w.opts.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	w.syncTicker = time.NewTicker(interval)
	w.syncStop = make(chan struct{})
	w.syncDone.Add(1)
	go func() {
		defer w.syncDone.Done()
		for {
			select {
			case <-w.syncTicker.C:
				if err := w.Sync(); err != nil {
					w.logger.Warn("Periodic WAL sync failed", "error", err)
				}
			case <-w.syncStop:
				return
			}
		}
	}()
}

// Append writes a single entry. It is a convenience wrapper around AppendBatch.
func (w *WAL) Append(entry core.WALEntry) error {
	return w.AppendBatch([]core.WALEntry{entry})
}

// AppendBatch writes a slice of WAL entries as a single, atomic record.
func (w *WAL) AppendBatch(entries []core.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return errors.New("wal is closed or not open for writing")
	}

	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)

	if len(entries) == 1 {
		if err := encodeEntryData(payload, &entries[0]); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	} else {
		payload.WriteByte(byte(core.EntryTypePutBatch))
		if err := binary.Write(payload, binary.LittleEndian, uint32(len(entries))); err != nil {
			return fmt.Errorf("failed to write batch entry count: %w", err)
		}
		for i := range entries {
			if err := encodeEntryData(payload, &entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry %d for batch: %w", i, err)
			}
		}
	}

	payloadBytes := payload.Bytes()
	newRecordSize := int64(len(payloadBytes)) + 8 // +4 length, +4 checksum

	// Rotate before writing if the segment already holds data and the new
	// record would push it past the limit. A single oversized record is
	// still allowed into an empty segment.
	currentSize, err := w.activeSegment.Size()
	if err != nil {
		return fmt.Errorf("could not get active segment size: %w", err)
	}
	headerSize := int64(binary.Size(core.FileHeader{}))
	if currentSize > headerSize && currentSize+newRecordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size",
			"current_size", currentSize, "record_size", newRecordSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		return err
	}

	if w.opts.SyncMode == SyncAlways {
		return w.activeSegment.Sync()
	}
	return nil
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Rotate closes the current segment and opens a new one for writing.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// ActiveSegmentIndex returns the index of the current active segment file,
// or 0 if the WAL is closed.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// Purge deletes segment files with an index less than or equal to upToIndex.
// The active segment is never purged.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for _, index := range w.segmentIndexes {
		if index > upToIndex || (w.activeSegment != nil && w.activeSegment.index == index) {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if err := os.Remove(path); err != nil {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			remaining = append(remaining, index)
			continue
		}
		purged++
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_index", upToIndex)
	}
	return nil
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// Close stops the sync loop and closes the active segment.
func (w *WAL) Close() error {
	if w.syncTicker != nil {
		w.syncTicker.Stop()
		close(w.syncStop)
		w.syncDone.Wait()
		w.syncTicker = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	err := w.activeSegment.Close()
	w.activeSegment = nil
	if err != nil {
		w.logger.Error("Error during WAL close", "error", err)
		return err
	}
	w.logger.Info("WAL closed")
	return nil
}

// SetTestingOnlyInjectAppendError forces AppendBatch to fail with err.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// rotateLocked creates a new segment file for writing. Caller holds w.mu.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	if w.activeSegment != nil {
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation",
				"path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment", "index", nextIndex)
	return nil
}

// openForAppend prepares a segment for new writes. To avoid appending to a
// possibly torn file after a crash, it always starts a fresh segment unless
// the last one is empty.
func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) == 0 {
		return w.rotateLocked()
	}

	lastIndex := w.segmentIndexes[len(w.segmentIndexes)-1]
	path := filepath.Join(w.dir, core.FormatSegmentFileName(lastIndex))
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}

	if stat.Size() > int64(binary.Size(core.FileHeader{})) {
		return w.rotateLocked()
	}

	// Header-only segment: recreate it in place.
	seg, err := CreateSegment(w.dir, lastIndex)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", lastIndex, err)
	}
	w.activeSegment = seg
	return nil
}

// encodeEntryData serializes a single WALEntry into a writer.
// Layout: type (1) | seqnum (8) | cf len uvarint | cf | key len uvarint | key
// | value len uvarint | value.
func encodeEntryData(w io.Writer, entry *core.WALEntry) error {
	if err := binary.Write(w, binary.LittleEndian, entry.EntryType); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen32]byte
	for _, field := range [][]byte{[]byte(entry.CF), entry.Key, entry.Value} {
		n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return err
		}
		if _, err := w.Write(field); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntryData deserializes a single WALEntry from a reader.
func decodeEntryData(r *bytes.Reader) (*core.WALEntry, error) {
	entry := &core.WALEntry{}
	if err := binary.Read(r, binary.LittleEndian, &entry.EntryType); err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry.SeqNum); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}

	readField := func(name string) ([]byte, error) {
		fieldLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s length: %w", name, err)
		}
		if fieldLen == 0 {
			return nil, nil
		}
		buf := make([]byte, fieldLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return buf, nil
	}

	cf, err := readField("cf name")
	if err != nil {
		return nil, err
	}
	entry.CF = string(cf)
	if entry.Key, err = readField("key"); err != nil {
		return nil, err
	}
	if entry.Value, err = readField("value"); err != nil {
		return nil, err
	}
	return entry, nil
}

// recover reads all entries from all known segments beyond startRecoveryIndex.
func (w *WAL) recover(startRecoveryIndex uint64) ([]core.WALEntry, error) {
	var allEntries []core.WALEntry
	for _, index := range w.segmentIndexes {
		if index <= startRecoveryIndex {
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		entries, err := recoverFromSegment(path, w.logger)
		allEntries = append(allEntries, entries...)
		if err != nil {
			if err == io.EOF {
				continue
			}
			// A torn record on the newest segment is an expected crash
			// artifact; everything recovered so far is still valid.
			w.logger.Warn("Recovery stopped on segment due to error",
				"index", index, "path", path, "error", err)
			return allEntries, err
		}
	}
	return allEntries, io.EOF
}

// recoverFromSegment reads all valid entries from a single segment file. It
// returns the entries read before any error, along with the error itself
// (io.EOF for a clean read).
func recoverFromSegment(filePath string, logger *slog.Logger) ([]core.WALEntry, error) {
	reader, err := OpenSegmentForRead(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL segment %s: %w", filePath, err)
	}
	defer reader.Close()

	var entries []core.WALEntry
	for {
		recordData, err := reader.ReadRecord()
		if err != nil {
			return entries, err
		}

		decoded, err := decodeRecord(recordData)
		if err != nil {
			return entries, err
		}
		entries = append(entries, decoded...)
	}
}

// decodeRecord decodes a WAL record payload into one or more entries.
func decodeRecord(recordData []byte) ([]core.WALEntry, error) {
	payloadReader := bytes.NewReader(recordData)
	entryTypeByte, err := payloadReader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("error reading entry type from WAL record: %w", err)
	}

	if core.EntryType(entryTypeByte) == core.EntryTypePutBatch {
		var numEntries uint32
		if err := binary.Read(payloadReader, binary.LittleEndian, &numEntries); err != nil {
			return nil, fmt.Errorf("error reading batch entry count: %w", err)
		}
		entries := make([]core.WALEntry, 0, numEntries)
		for i := 0; i < int(numEntries); i++ {
			entry, err := decodeEntryData(payloadReader)
			if err != nil {
				return nil, fmt.Errorf("error decoding entry %d in batch: %w", i, err)
			}
			entries = append(entries, *entry)
		}
		return entries, nil
	}

	// Single-entry record: decode from the start including the type byte.
	entry, err := decodeEntryData(bytes.NewReader(recordData))
	if err != nil {
		return nil, fmt.Errorf("error decoding single WAL entry: %w", err)
	}
	return []core.WALEntry{*entry}, nil
}
