package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/INLOpen/nexuskv/core"
)

// BlockIndexEntry points the sparse index at one data block.
type BlockIndexEntry struct {
	FirstKey    []byte
	BlockOffset int64
	BlockLength uint32
}

// IndexBuilder collects block metadata as the writer flushes blocks.
type IndexBuilder struct {
	entries []BlockIndexEntry
}

// Add records the metadata for a newly written data block. firstKey must be
// a copy, as the original might be reused.
func (ib *IndexBuilder) Add(firstKey []byte, blockOffset int64, blockLength uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{
		FirstKey:    firstKey,
		BlockOffset: blockOffset,
		BlockLength: blockLength,
	})
}

// Build serializes the index entries. Format per entry: KeyLen (uint32), Key,
// BlockOffset (int64), BlockLength (uint32). Returns the raw index data and
// its CRC32 checksum.
func (ib *IndexBuilder) Build() ([]byte, uint32, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	for _, entry := range ib.entries {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(entry.FirstKey))); err != nil {
			return nil, 0, err
		}
		if _, err := buf.Write(entry.FirstKey); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockOffset); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockLength); err != nil {
			return nil, 0, err
		}
	}

	indexData := buf.Bytes()
	checksum := crc32.ChecksumIEEE(indexData)
	dataCopy := make([]byte, len(indexData))
	copy(dataCopy, indexData)
	return dataCopy, checksum, nil
}

// Index is the deserialized sparse index of one SSTable. Lookups use the
// column family's comparator, which must match the one the table was
// written with.
type Index struct {
	entries []BlockIndexEntry
	cmp     core.Comparator
}

// DeserializeIndex reconstructs an Index, verifying the stored checksum first.
func DeserializeIndex(data []byte, expectedChecksum uint32, cmp core.Comparator) (*Index, error) {
	if crc32.ChecksumIEEE(data) != expectedChecksum {
		return nil, fmt.Errorf("index checksum mismatch: %w", core.ErrCorrupted)
	}
	if cmp == nil {
		cmp = core.DefaultComparator
	}

	idx := &Index{cmp: cmp}
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated index entry header: %w", core.ErrCorrupted)
		}
		keyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		keyEnd := offset + int(keyLen)
		if keyEnd+12 > len(data) {
			return nil, fmt.Errorf("index entry exceeds data bounds: %w", core.ErrCorrupted)
		}
		key := data[offset:keyEnd]
		offset = keyEnd

		blockOffset := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
		offset += 8
		blockLength := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		idx.entries = append(idx.entries, BlockIndexEntry{
			FirstKey:    key,
			BlockOffset: blockOffset,
			BlockLength: blockLength,
		})
	}
	return idx, nil
}

// findCandidateStart returns the position of the first block that can hold a
// version of key. Blocks are cut mid-version-run, so when a block's FirstKey
// equals key its predecessor can still end with newer versions of the same
// key; the search therefore lands on the last block whose FirstKey is
// strictly below key. Callers scan forward from here while FirstKey <= key.
func (idx *Index) findCandidateStart(key []byte) int {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.cmp.Compare(idx.entries[i].FirstKey, key) >= 0
	})
	if i > 0 {
		i--
	}
	return i
}

// findFirstGreaterOrEqual returns the index of the first entry whose FirstKey
// is >= key, or len(entries) if none is.
func (idx *Index) findFirstGreaterOrEqual(key []byte) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return idx.cmp.Compare(idx.entries[i].FirstKey, key) >= 0
	})
}

// Entries exposes the raw index entries for verification and tests.
func (idx *Index) Entries() []BlockIndexEntry {
	return idx.entries
}
