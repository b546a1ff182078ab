package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexuskv/cache"
	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
)

// SSTable provides read access to one immutable on-disk table. Instances are
// safe for concurrent use.
type SSTable struct {
	mu       sync.RWMutex
	filePath string
	file     *os.File
	id       uint64
	size     int64

	index       *Index
	bloomFilter *BloomFilter
	minKey      []byte
	maxKey      []byte
	minSeqNum   uint64
	maxSeqNum   uint64
	numEntries  uint64

	comparator core.Comparator
	blockCache cache.Interface
	logger     *slog.Logger

	// refs starts at 1 for the owning table set. Readers take extra
	// references for the lifetime of their iterators; the file handle is
	// released, and the file deleted if obsolete, when the count drains.
	refs     atomic.Int64
	obsolete atomic.Bool
}

// LoadSSTableOptions bundles the parameters for opening an existing table.
type LoadSSTableOptions struct {
	FilePath   string
	ID         uint64
	Comparator core.Comparator
	BlockCache cache.Interface
	Logger     *slog.Logger
}

// LoadSSTable opens an SSTable file, validates its header and footer, and
// loads the index, bloom filter and key bounds into memory. Data blocks stay
// on disk and are read on demand.
func LoadSSTable(opts LoadSSTableOptions) (*SSTable, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Comparator == nil {
		opts.Comparator = core.DefaultComparator
	}

	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable file %s: %w", opts.FilePath, err)
	}

	sst, err := loadSSTableFromFile(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return sst, nil
}

func loadSSTableFromFile(file *os.File, opts LoadSSTableOptions) (*SSTable, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat sstable file %s: %w", opts.FilePath, err)
	}
	fileSize := stat.Size()

	header, err := core.ReadFileHeader(file, core.SSTableMagicNumber)
	if err != nil {
		return nil, fmt.Errorf("sstable %d: %w", opts.ID, err)
	}
	if fileSize < int64(header.Size())+int64(FooterSize) {
		return nil, fmt.Errorf("sstable file %s too small (%d bytes): %w", opts.FilePath, fileSize, core.ErrCorrupted)
	}

	footer := make([]byte, FooterSize)
	if _, err := file.ReadAt(footer, fileSize-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read sstable footer: %w", err)
	}
	if string(footer[FooterFixedComponentSize:]) != core.SSTableMagicString {
		return nil, fmt.Errorf("sstable file %s has bad magic string: %w", opts.FilePath, core.ErrCorrupted)
	}

	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexLen := binary.LittleEndian.Uint32(footer[8:12])
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[12:20]))
	bloomLen := binary.LittleEndian.Uint32(footer[20:24])
	minKeyOffset := int64(binary.LittleEndian.Uint64(footer[24:32]))
	minKeyLen := binary.LittleEndian.Uint32(footer[32:36])
	maxKeyOffset := int64(binary.LittleEndian.Uint64(footer[36:44]))
	maxKeyLen := binary.LittleEndian.Uint32(footer[44:48])
	numEntries := binary.LittleEndian.Uint64(footer[48:56])
	minSeqNum := binary.LittleEndian.Uint64(footer[56:64])
	maxSeqNum := binary.LittleEndian.Uint64(footer[64:72])

	// The index checksum immediately precedes the index data.
	checksumOffset := indexOffset - int64(core.ChecksumSize)
	if checksumOffset < int64(header.Size()) || indexOffset+int64(indexLen) > fileSize {
		return nil, fmt.Errorf("sstable file %s has out-of-range index section: %w", opts.FilePath, core.ErrCorrupted)
	}
	checksumBuf := make([]byte, core.ChecksumSize)
	if _, err := file.ReadAt(checksumBuf, checksumOffset); err != nil {
		return nil, fmt.Errorf("failed to read index checksum: %w", err)
	}
	indexChecksum := binary.LittleEndian.Uint32(checksumBuf)

	indexData := make([]byte, indexLen)
	if _, err := file.ReadAt(indexData, indexOffset); err != nil {
		return nil, fmt.Errorf("failed to read index data: %w", err)
	}
	index, err := DeserializeIndex(indexData, indexChecksum, opts.Comparator)
	if err != nil {
		return nil, fmt.Errorf("sstable %d: %w", opts.ID, err)
	}

	if bloomOffset+int64(bloomLen) > fileSize {
		return nil, fmt.Errorf("sstable file %s has out-of-range bloom filter section: %w", opts.FilePath, core.ErrCorrupted)
	}
	bloomData := make([]byte, bloomLen)
	if _, err := file.ReadAt(bloomData, bloomOffset); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter data: %w", err)
	}
	bloomFilter, err := DeserializeBloomFilter(bloomData)
	if err != nil {
		return nil, fmt.Errorf("sstable %d: %w", opts.ID, err)
	}

	minKey := make([]byte, minKeyLen)
	if minKeyLen > 0 {
		if _, err := file.ReadAt(minKey, minKeyOffset); err != nil {
			return nil, fmt.Errorf("failed to read min key: %w", err)
		}
	}
	maxKey := make([]byte, maxKeyLen)
	if maxKeyLen > 0 {
		if _, err := file.ReadAt(maxKey, maxKeyOffset); err != nil {
			return nil, fmt.Errorf("failed to read max key: %w", err)
		}
	}

	s := &SSTable{
		filePath:    opts.FilePath,
		file:        file,
		id:          opts.ID,
		size:        fileSize,
		index:       index,
		bloomFilter: bloomFilter,
		minKey:      minKey,
		maxKey:      maxKey,
		minSeqNum:   minSeqNum,
		maxSeqNum:   maxSeqNum,
		numEntries:  numEntries,
		comparator:  opts.Comparator,
		blockCache:  opts.BlockCache,
		logger:      opts.Logger.With("component", "SSTable", "sstable_id", opts.ID),
	}
	s.refs.Store(1)
	return s, nil
}

// Get looks up the newest version of key visible at maxSeqNum. Tombstone and
// merge entries are returned as-is with their EntryType set; interpreting
// them is the caller's job. Returns core.ErrNotFound if no visible version
// exists.
func (s *SSTable) Get(key []byte, maxSeqNum uint64) (*core.IteratorNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, core.ErrClosed
	}

	if s.comparator.Compare(key, s.minKey) < 0 || s.comparator.Compare(key, s.maxKey) > 0 {
		return nil, core.ErrNotFound
	}
	if !s.bloomFilter.Contains(key) {
		return nil, core.ErrNotFound
	}

	// A key's version run can straddle block boundaries, with the newest
	// versions at the tail of the earlier block. Walk every block whose
	// FirstKey is <= key, starting one before the first FirstKey >= key.
	entries := s.index.Entries()
	for pos := s.index.findCandidateStart(key); pos < len(entries); pos++ {
		if s.comparator.Compare(entries[pos].FirstKey, key) > 0 {
			break
		}
		block, err := s.readBlock(entries[pos].BlockOffset, entries[pos].BlockLength)
		if err != nil {
			return nil, err
		}
		node, err := block.Find(key, maxSeqNum)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		return node, err
	}
	return nil, core.ErrNotFound
}

// Contains reports whether the key may be present, using the key bounds and
// bloom filter only. False positives are possible, false negatives are not.
func (s *SSTable) Contains(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil || len(s.minKey) == 0 && s.numEntries == 0 {
		return false
	}
	if s.comparator.Compare(key, s.minKey) < 0 || s.comparator.Compare(key, s.maxKey) > 0 {
		return false
	}
	return s.bloomFilter.Contains(key)
}

// readBlock returns the decoded block at the given offset, consulting the
// block cache first.
func (s *SSTable) readBlock(offset int64, length uint32) (*Block, error) {
	var cacheKey string
	if s.blockCache != nil {
		cacheKey = fmt.Sprintf("%d-%d", s.id, offset)
		if cached, ok := s.blockCache.Get(cacheKey); ok {
			if block, ok := cached.(*Block); ok {
				return block, nil
			}
		}
	}

	raw, flag, err := s.readAndVerifyRawBlock(offset, length)
	if err != nil {
		return nil, err
	}
	data, err := s.decompressBlock(raw, flag)
	if err != nil {
		return nil, err
	}

	block := NewBlock(data, s.comparator)
	if s.blockCache != nil {
		s.blockCache.Put(cacheKey, block)
	}
	return block, nil
}

// readAndVerifyRawBlock reads one on-disk block and verifies its checksum.
// It returns the still-compressed payload and the compression flag.
func (s *SSTable) readAndVerifyRawBlock(offset int64, length uint32) ([]byte, core.CompressionType, error) {
	if length < BlockHeaderSize {
		return nil, 0, fmt.Errorf("block at offset %d is shorter than its header: %w", offset, core.ErrCorrupted)
	}
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to read block at offset %d: %w", offset, err)
	}

	flag := core.CompressionType(buf[0])
	expectedChecksum := binary.LittleEndian.Uint32(buf[1 : 1+core.ChecksumSize])
	payload := buf[BlockHeaderSize:]

	if actual := crc32.ChecksumIEEE(payload); actual != expectedChecksum {
		return nil, 0, fmt.Errorf("block at offset %d checksum mismatch (expected 0x%x, got 0x%x): %w",
			offset, expectedChecksum, actual, core.ErrCorrupted)
	}
	return payload, flag, nil
}

// decompressBlock inflates a verified block payload according to its flag.
func (s *SSTable) decompressBlock(payload []byte, flag core.CompressionType) ([]byte, error) {
	compressor, err := compressors.Get(flag)
	if err != nil {
		return nil, err
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	return data, nil
}

// VerifyIntegrity re-reads every data block and checks its checksum and key
// ordering against the index. It is an offline check for tooling and tests.
func (s *SSTable) VerifyIntegrity() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return core.ErrClosed
	}

	var prevFirstKey []byte
	for i, entry := range s.index.Entries() {
		if prevFirstKey != nil && s.comparator.Compare(entry.FirstKey, prevFirstKey) <= 0 {
			return fmt.Errorf("index entry %d first key out of order: %w", i, core.ErrCorrupted)
		}
		prevFirstKey = entry.FirstKey

		raw, flag, err := s.readAndVerifyRawBlock(entry.BlockOffset, entry.BlockLength)
		if err != nil {
			return err
		}
		if _, err := s.decompressBlock(raw, flag); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// MinKey returns the smallest user key in the table.
func (s *SSTable) MinKey() []byte { return s.minKey }

// MaxKey returns the largest user key in the table.
func (s *SSTable) MaxKey() []byte { return s.maxKey }

// MinSeqNum returns the smallest sequence number stored in the table.
func (s *SSTable) MinSeqNum() uint64 { return s.minSeqNum }

// MaxSeqNum returns the largest sequence number stored in the table.
func (s *SSTable) MaxSeqNum() uint64 { return s.maxSeqNum }

// NumEntries returns the number of entries, including tombstones.
func (s *SSTable) NumEntries() uint64 { return s.numEntries }

// Size returns the file size in bytes.
func (s *SSTable) Size() int64 { return s.size }

// ID returns the table's unique file identifier.
func (s *SSTable) ID() uint64 { return s.id }

// FilePath returns the on-disk path.
func (s *SSTable) FilePath() string { return s.filePath }

// Ref takes an additional reference on the table. Iterators and snapshots
// hold one for as long as they may touch the file.
func (s *SSTable) Ref() {
	s.refs.Add(1)
}

// Unref drops one reference. When the last one is released the file handle
// is closed; if the table was marked obsolete the file is deleted too.
func (s *SSTable) Unref() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("sstable %s: unref below zero", s.filePath)
	}
	if s.obsolete.Load() {
		return s.Remove()
	}
	return s.Close()
}

// MarkObsolete schedules the backing file for deletion once the last
// reference drains. The owner still has to release its own reference.
func (s *SSTable) MarkObsolete() {
	s.obsolete.Store(true)
}

// Close releases the underlying file handle. Blocks already in the shared
// cache remain usable.
func (s *SSTable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close sstable file %s: %w", s.filePath, err)
	}
	return nil
}

// Remove closes the table and deletes its file. Used after compaction has
// made the table obsolete.
func (s *SSTable) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sstable file %s: %w", s.filePath, err)
	}
	return nil
}

var _ io.Closer = (*SSTable)(nil)
