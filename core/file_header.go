package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is a standard header for all persistent files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// WriteTo writes the header in its fixed binary layout.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("failed to write file header: %w", err)
	}
	return int64(h.Size()), nil
}

// ReadFileHeader reads and validates a header, checking the expected magic number.
func ReadFileHeader(r io.Reader, expectedMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if h.Magic != expectedMagic {
		return h, fmt.Errorf("magic number mismatch: got 0x%X, want 0x%X: %w", h.Magic, expectedMagic, ErrCorrupted)
	}
	if h.Version > FormatVersion {
		return h, fmt.Errorf("unsupported format version %d: %w", h.Version, ErrCorrupted)
	}
	return h, nil
}
