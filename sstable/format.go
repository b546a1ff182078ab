// Package sstable implements the immutable on-disk table format: block-based
// data with prefix compression and restart points, a sparse index, a bloom
// filter, and a fixed footer locating every section.
package sstable

import "github.com/INLOpen/nexuskv/core"

// Layout of an SSTable file:
//
//	FileHeader
//	data block 0: [compression flag (1)] [crc32 (4)] [payload]
//	...
//	index checksum (4)
//	index block
//	bloom filter block
//	min key
//	max key
//	footer (fixed offsets/lengths + magic string)
//
// Each data block payload decompresses to a sequence of prefix-compressed
// entries followed by a restart-point trailer.

// Size constants for the file format.
const (
	EntryTypeSize = 1

	// Footer component sizes.
	IndexOffsetSize       = 8
	IndexLenSize          = 4
	BloomFilterOffsetSize = 8
	BloomFilterLenSize    = 4
	MinKeyOffsetSize      = 8
	MinKeyLenSize         = 4
	MaxKeyOffsetSize      = 8
	MaxKeyLenSize         = 4
	NumEntriesSize        = 8
	MinSeqNumSize         = 8
	MaxSeqNumSize         = 8
)

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 4 * 1024

// DefaultRestartPointInterval specifies how often a restart point is stored.
const DefaultRestartPointInterval = 16

// BlockHeaderSize is the compression flag plus checksum preceding each block.
const BlockHeaderSize = 1 + core.ChecksumSize

// FooterFixedComponentSize is the footer size excluding the magic string.
const FooterFixedComponentSize = IndexOffsetSize + IndexLenSize +
	BloomFilterOffsetSize + BloomFilterLenSize +
	MinKeyOffsetSize + MinKeyLenSize + MaxKeyOffsetSize + MaxKeyLenSize +
	NumEntriesSize + MinSeqNumSize + MaxSeqNumSize

// FooterSize is the total size of the footer.
const FooterSize = FooterFixedComponentSize + core.SSTableMagicStringLen
