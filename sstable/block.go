package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/INLOpen/nexuskv/core"
)

// Block is one decompressed data block: prefix-compressed entries followed
// by a restart-point trailer.
type Block struct {
	data []byte
	cmp  core.Comparator
}

// NewBlock wraps raw decompressed block data.
func NewBlock(blockData []byte, cmp core.Comparator) *Block {
	if cmp == nil {
		cmp = core.DefaultComparator
	}
	return &Block{data: blockData, cmp: cmp}
}

// entriesData strips the restart-point trailer, returning only the entry
// bytes, or nil if the trailer is malformed.
func (b *Block) entriesData() []byte {
	if len(b.data) < 4 {
		return nil
	}
	numRestartPoints := binary.LittleEndian.Uint32(b.data[len(b.data)-4:])
	trailerSize := int(numRestartPoints)*4 + 4
	if len(b.data) < trailerSize {
		return nil
	}
	return b.data[:len(b.data)-trailerSize]
}

// Find returns the newest version of keyToFind with a sequence number at or
// below maxSeq. Entries are sorted (key ASC, seq DESC), so the first match
// at or below the bound wins. Tombstones and merge entries are returned to
// the caller, which interprets the entry type.
func (b *Block) Find(keyToFind []byte, maxSeq uint64) (*core.IteratorNode, error) {
	if len(b.data) < 4 {
		return nil, core.ErrNotFound
	}
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := int(numRestartPoints)*4 + 4
	if len(b.data) < trailerSize {
		return nil, fmt.Errorf("block size %d smaller than trailer size %d: %w", len(b.data), trailerSize, core.ErrCorrupted)
	}
	entriesData := b.data[:len(b.data)-trailerSize]

	if numRestartPoints == 0 {
		return b.findLinearScan(NewBlockIterator(entriesData), keyToFind, maxSeq)
	}

	restartPointsStart := numRestartPointsOffset - int(numRestartPoints)*4

	// Binary search the restart points for the rightmost one whose key is
	// strictly below keyToFind, then scan linearly from there. A restart can
	// land mid-version-run, so starting at a restart whose key equals the
	// target would skip the newer versions recorded just before it.
	searchIndex := sort.Search(int(numRestartPoints), func(i int) bool {
		offset := binary.LittleEndian.Uint32(b.data[restartPointsStart+i*4:])
		tempIter := NewBlockIterator(entriesData[offset:])
		if tempIter.Next() {
			return b.cmp.Compare(tempIter.Key(), keyToFind) >= 0
		}
		return false
	})

	var scanStart uint32
	if searchIndex > 0 {
		scanStart = binary.LittleEndian.Uint32(b.data[restartPointsStart+(searchIndex-1)*4:])
	}
	return b.findLinearScan(NewBlockIterator(entriesData[scanStart:]), keyToFind, maxSeq)
}

// findLinearScan scans forward from the iterator's position for the newest
// visible version of keyToFind.
func (b *Block) findLinearScan(blockIter *BlockIterator, keyToFind []byte, maxSeq uint64) (*core.IteratorNode, error) {
	for blockIter.Next() {
		cmp := b.cmp.Compare(blockIter.Key(), keyToFind)
		if cmp < 0 {
			continue
		}
		if cmp > 0 {
			break
		}
		if blockIter.SeqNum() > maxSeq {
			continue
		}
		// Versions sort newest first: first visible match wins.
		return &core.IteratorNode{
			Key:       blockIter.Key(),
			Value:     blockIter.Value(),
			EntryType: blockIter.EntryType(),
			SeqNum:    blockIter.SeqNum(),
		}, nil
	}
	if err := blockIter.Error(); err != nil {
		return nil, fmt.Errorf("block find: iterator error: %w", err)
	}
	return nil, core.ErrNotFound
}

// BlockIterator iterates over the entries within a single data block,
// reconstructing keys from their shared prefixes.
type BlockIterator struct {
	reader *bytes.Reader

	previousKey      []byte
	currentKey       []byte
	currentValue     []byte
	currentEntryType core.EntryType
	currentSeqNum    uint64
	err              error
}

// NewBlockIterator creates an iterator over raw entry data (no trailer).
func NewBlockIterator(entriesData []byte) *BlockIterator {
	return &BlockIterator{reader: bytes.NewReader(entriesData)}
}

// Next advances to the next entry. Entry layout: shared_key_len (uvarint),
// unshared_key_len (uvarint), value_len (uvarint), entry_type (1), seq_num
// (uvarint), unshared_key, value.
func (bi *BlockIterator) Next() bool {
	if bi.err != nil || bi.reader.Len() == 0 {
		return false
	}

	sharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		if err != io.EOF {
			bi.err = fmt.Errorf("block iterator: failed to read shared_key_len: %w", err)
		}
		return false
	}
	unsharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared_key_len: %w", err)
		return false
	}
	valueLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value_len: %w", err)
		return false
	}
	entryTypeByte, err := bi.reader.ReadByte()
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read entry type: %w", err)
		return false
	}
	seqNum, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read sequence number: %w", err)
		return false
	}

	if sharedLen > uint64(len(bi.previousKey)) {
		bi.err = fmt.Errorf("block iterator: shared prefix %d exceeds previous key length %d: %w", sharedLen, len(bi.previousKey), core.ErrCorrupted)
		return false
	}

	key := make([]byte, sharedLen+unsharedLen)
	copy(key, bi.previousKey[:sharedLen])
	if _, err := io.ReadFull(bi.reader, key[sharedLen:]); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared key: %w", err)
		return false
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(bi.reader, value); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value for key %q: %w", key, err)
		return false
	}

	bi.currentKey = key
	bi.currentValue = value
	bi.currentEntryType = core.EntryType(entryTypeByte)
	bi.currentSeqNum = seqNum
	bi.previousKey = append(bi.previousKey[:0], key...)
	return true
}

func (bi *BlockIterator) Key() []byte               { return bi.currentKey }
func (bi *BlockIterator) Value() []byte             { return bi.currentValue }
func (bi *BlockIterator) EntryType() core.EntryType { return bi.currentEntryType }
func (bi *BlockIterator) SeqNum() uint64            { return bi.currentSeqNum }
func (bi *BlockIterator) Error() error              { return bi.err }
