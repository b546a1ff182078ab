package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexuskv/core"
)

// SSTableWriter builds a new SSTable file. It writes to a temporary file
// that is atomically renamed on a successful Finish. Writers are also used
// standalone to build files for bulk ingestion; such files conventionally
// carry sequence number 0 for every entry.
type SSTableWriter struct {
	filePath string
	file     *os.File
	offset   int64

	indexBuilder *IndexBuilder
	bloomFilter  *BloomFilter

	minKey     []byte
	maxKey     []byte
	minSeqNum  uint64
	maxSeqNum  uint64
	numEntries uint64

	restartPointInterval int
	blockSize            int
	compressor           core.Compressor

	mu sync.Mutex

	// Current block state.
	currentBlockBuffer   bytes.Buffer
	currentBlockFirstKey []byte
	currentBlockLastKey  []byte
	numEntriesInBlock    int
	restartPoints        []uint32
	currentBlockSize     int

	logger *slog.Logger
}

var _ core.SSTableWriterInterface = (*SSTableWriter)(nil)

// NewSSTableWriter creates a writer for a new table file under
// opts.DataDir, named by opts.ID.
func NewSSTableWriter(opts core.SSTableWriterOptions) (core.SSTableWriterInterface, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFilterFalsePositiveRate <= 0 || opts.BloomFilterFalsePositiveRate >= 1 {
		opts.BloomFilterFalsePositiveRate = 0.01
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("sstable writer requires a compressor")
	}

	tempFilePath := filepath.Join(opts.DataDir, fmt.Sprintf("%d.tmp", opts.ID))
	file, err := os.Create(tempFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary sstable file %s: %w", tempFilePath, err)
	}

	header := core.NewFileHeader(core.SSTableMagicNumber, opts.Compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to write sstable header: %w", err)
	}

	bf, err := NewBloomFilter(opts.EstimatedKeys, opts.BloomFilterFalsePositiveRate)
	if err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to create bloom filter: %w", err)
	}

	return &SSTableWriter{
		filePath:             tempFilePath,
		file:                 file,
		offset:               int64(header.Size()),
		indexBuilder:         &IndexBuilder{},
		bloomFilter:          bf,
		minSeqNum:            ^uint64(0),
		restartPointInterval: DefaultRestartPointInterval,
		blockSize:            opts.BlockSize,
		compressor:           opts.Compressor,
		logger:               opts.Logger.With("component", "SSTableWriter", "sstable_id", opts.ID),
	}, nil
}

// Add appends one entry. Entries must arrive in (key ASC, seq DESC) order;
// the writer does not re-sort.
func (w *SSTableWriter) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// The first entry in a block is always a restart point.
	isRestartPoint := (w.numEntriesInBlock % w.restartPointInterval) == 0
	if isRestartPoint {
		w.restartPoints = append(w.restartPoints, uint32(w.currentBlockBuffer.Len()))
	}

	// Prefix compression against the previous key, disabled at restart points.
	var sharedPrefixLen int
	if w.currentBlockLastKey != nil && !isRestartPoint {
		limit := min(len(key), len(w.currentBlockLastKey))
		for sharedPrefixLen < limit && key[sharedPrefixLen] == w.currentBlockLastKey[sharedPrefixLen] {
			sharedPrefixLen++
		}
	}
	unsharedKey := key[sharedPrefixLen:]

	entrySize := estimateEntrySizeWithPrefix(len(unsharedKey), len(value))
	if w.currentBlockBuffer.Len() > 0 && w.currentBlockSize+entrySize > w.blockSize {
		if err := w.flushCurrentBlock(); err != nil {
			return err
		}
		// First entry of the new block: full key, forced restart point.
		sharedPrefixLen = 0
		unsharedKey = key
		w.restartPoints = append(w.restartPoints, 0)
	}

	if w.currentBlockFirstKey == nil {
		w.currentBlockFirstKey = append([]byte(nil), key...)
	}
	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)
	if seqNum < w.minSeqNum {
		w.minSeqNum = seqNum
	}
	if seqNum > w.maxSeqNum {
		w.maxSeqNum = seqNum
	}
	w.numEntries++

	w.bloomFilter.Add(key)

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(sharedPrefixLen))
	w.currentBlockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(unsharedKey)))
	w.currentBlockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(value)))
	w.currentBlockBuffer.Write(varintBuf[:n])
	w.currentBlockBuffer.WriteByte(byte(entryType))
	n = binary.PutUvarint(varintBuf[:], seqNum)
	w.currentBlockBuffer.Write(varintBuf[:n])
	w.currentBlockBuffer.Write(unsharedKey)
	w.currentBlockBuffer.Write(value)

	w.currentBlockLastKey = append(w.currentBlockLastKey[:0], key...)
	w.numEntriesInBlock++
	w.currentBlockSize += entrySize
	return nil
}

// flushCurrentBlock compresses and writes the buffered block, then records
// it in the index. Caller holds w.mu.
func (w *SSTableWriter) flushCurrentBlock() error {
	if w.currentBlockBuffer.Len() == 0 || w.numEntriesInBlock == 0 {
		return nil
	}

	// Restart-point trailer is part of the block data, written before
	// compression.
	for _, offset := range w.restartPoints {
		if err := binary.Write(&w.currentBlockBuffer, binary.LittleEndian, offset); err != nil {
			return fmt.Errorf("failed to write restart point offset: %w", err)
		}
	}
	if err := binary.Write(&w.currentBlockBuffer, binary.LittleEndian, uint32(len(w.restartPoints))); err != nil {
		return fmt.Errorf("failed to write restart point count: %w", err)
	}

	uncompressed := w.currentBlockBuffer.Bytes()
	compressedBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(compressedBuf)
	if err := w.compressor.CompressTo(compressedBuf, uncompressed); err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	dataToWrite := compressedBuf.Bytes()

	checksum := crc32.ChecksumIEEE(dataToWrite)
	blockOffset := w.offset
	blockLengthOnDisk := uint32(BlockHeaderSize + len(dataToWrite))

	if err := binary.Write(w.file, binary.LittleEndian, byte(w.compressor.Type())); err != nil {
		return fmt.Errorf("failed to write compression type flag: %w", err)
	}
	w.offset++
	if err := binary.Write(w.file, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write block checksum (offset %d): %w", w.offset, err)
	}
	w.offset += int64(core.ChecksumSize)
	if _, err := w.file.Write(dataToWrite); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}
	w.offset += int64(len(dataToWrite))

	w.logger.Debug("Flushed block",
		"uncompressed_len", len(uncompressed),
		"disk_len", blockLengthOnDisk,
		"num_entries", w.numEntriesInBlock)

	w.indexBuilder.Add(w.currentBlockFirstKey, blockOffset, blockLengthOnDisk)

	w.currentBlockBuffer.Reset()
	w.currentBlockFirstKey = nil
	w.currentBlockLastKey = nil
	w.numEntriesInBlock = 0
	w.restartPoints = w.restartPoints[:0]
	w.currentBlockSize = 0
	return nil
}

// Finish flushes the final block, writes index, bloom filter, key bounds and
// footer, syncs, and renames the temporary file to its final .sst name.
func (w *SSTableWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushCurrentBlock(); err != nil {
		w.abort()
		return fmt.Errorf("failed to flush final block: %w", err)
	}

	indexData, indexChecksum, err := w.indexBuilder.Build()
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to build index: %w", err)
	}

	if err := binary.Write(w.file, binary.LittleEndian, indexChecksum); err != nil {
		w.abort()
		return fmt.Errorf("failed to write index checksum: %w", err)
	}
	w.offset += int64(core.ChecksumSize)

	indexOffset := w.offset
	n, err := w.file.Write(indexData)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write index data: %w", err)
	}
	w.offset += int64(n)
	indexLen := uint32(n)

	bloomFilterOffset := w.offset
	n, err = w.file.Write(w.bloomFilter.Bytes())
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write bloom filter data: %w", err)
	}
	w.offset += int64(n)
	bloomFilterLen := uint32(n)

	minKeyOffset := w.offset
	n, err = w.file.Write(w.minKey)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write min key data: %w", err)
	}
	w.offset += int64(n)
	minKeyLen := uint32(n)

	maxKeyOffset := w.offset
	n, err = w.file.Write(w.maxKey)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write max key data: %w", err)
	}
	w.offset += int64(n)
	maxKeyLen := uint32(n)

	minSeq := w.minSeqNum
	if w.numEntries == 0 {
		minSeq = 0
	}

	footerBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(footerBuf)
	binary.Write(footerBuf, binary.LittleEndian, uint64(indexOffset))
	binary.Write(footerBuf, binary.LittleEndian, indexLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(bloomFilterOffset))
	binary.Write(footerBuf, binary.LittleEndian, bloomFilterLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(minKeyOffset))
	binary.Write(footerBuf, binary.LittleEndian, minKeyLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(maxKeyOffset))
	binary.Write(footerBuf, binary.LittleEndian, maxKeyLen)
	binary.Write(footerBuf, binary.LittleEndian, w.numEntries)
	binary.Write(footerBuf, binary.LittleEndian, minSeq)
	binary.Write(footerBuf, binary.LittleEndian, w.maxSeqNum)
	footerBuf.WriteString(core.SSTableMagicString)

	if _, err := w.file.Write(footerBuf.Bytes()); err != nil {
		w.abort()
		return fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("failed to sync sstable file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return fmt.Errorf("failed to close sstable file: %w", err)
	}
	w.file = nil

	finalPath := w.filePath[:len(w.filePath)-len(filepath.Ext(w.filePath))] + core.SSTableFileSuffix
	const maxRetries = 5
	const retryDelay = 100 * time.Millisecond
	var renameErr error
	for i := 0; i < maxRetries; i++ {
		if renameErr = os.Rename(w.filePath, finalPath); renameErr == nil {
			break
		}
		w.logger.Warn("Failed to rename temporary sstable file, retrying",
			"from", w.filePath, "to", finalPath, "attempt", i+1, "error", renameErr)
		time.Sleep(retryDelay)
	}
	if renameErr != nil {
		w.abort()
		return fmt.Errorf("failed to rename temporary sstable file %s to %s: %w", w.filePath, finalPath, renameErr)
	}
	w.filePath = finalPath
	return nil
}

// abort is the internal, non-locking cleanup. Caller holds w.mu.
func (w *SSTableWriter) abort() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.filePath != "" {
		if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temporary sstable file %s during abort: %w", w.filePath, err)
		}
		w.filePath = ""
	}
	return nil
}

// Abort closes the writer and removes the temporary file.
func (w *SSTableWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort()
}

// FilePath returns the path to the SSTable file (temporary until Finish).
func (w *SSTableWriter) FilePath() string {
	return w.filePath
}

// CurrentSize returns the bytes written so far (data blocks only).
func (w *SSTableWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// estimateEntrySizeWithPrefix gives a conservative on-disk size estimate for
// one prefix-compressed entry.
func estimateEntrySizeWithPrefix(unsharedKeyLen, valueLen int) int {
	return 3*binary.MaxVarintLen32 + EntryTypeSize + binary.MaxVarintLen64 + unsharedKeyLen + valueLen
}
