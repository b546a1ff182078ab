package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/core"
)

// Segment represents a single WAL segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
}

// CreateSegment creates a new segment file in the given directory.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	seg := &Segment{file: file, path: path, index: index}
	return &SegmentWriter{
		Segment: seg,
		writer:  bufio.NewWriter(file),
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading and
// validates its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if _, err := core.ReadFileHeader(file, core.WALMagicNumber); err != nil {
		file.Close()
		return nil, fmt.Errorf("invalid segment header in %s: %w", path, err)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	seg := &Segment{file: file, path: path, index: index}
	return &SegmentReader{
		Segment: seg,
		reader:  bufio.NewReader(file),
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := binary.Write(sw.writer, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	if err := binary.Write(sw.writer, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	return nil
}

// ReadRecord reads and verifies a single record. A truncated record returns
// io.ErrUnexpectedEOF; a checksum mismatch returns core.ErrCorrupted.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var length uint32
	if err := binary.Read(sr.reader, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	var storedChecksum uint32
	if err := binary.Read(sr.reader, binary.LittleEndian, &storedChecksum); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(data) != storedChecksum {
		return nil, fmt.Errorf("WAL record checksum mismatch in %s: %w", sr.path, core.ErrCorrupted)
	}
	return data, nil
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Size returns the current size of the segment file including buffered bytes.
func (sw *SegmentWriter) Size() (int64, error) {
	if sw.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := sw.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size() + int64(sw.writer.Buffered()), nil
}
