// Package compressors provides the block compression codecs used by the
// SSTable layer. Each codec implements core.Compressor; the block format
// stores the codec type so readers pick the matching one at load time.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuskv/core"
)

// nopReadCloser adapts an in-memory reader to io.ReadCloser for codecs whose
// decompressed output is a plain byte slice.
type nopReadCloser struct {
	*bytes.Reader
}

func (nopReadCloser) Close() error { return nil }

// Get returns the compressor for a stored compression type.
func Get(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d: %w", t, core.ErrCorrupted)
	}
}

// NoCompressionCompressor implements core.Compressor without performing compression.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return nopReadCloser{Reader: bytes.NewReader(data)}, nil
}

// CompressTo writes src into dst unchanged, avoiding the slice allocation of
// Compress.
func (c *NoCompressionCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
