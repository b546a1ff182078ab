package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexuskv/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements core.Compressor using the snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return nopReadCloser{Reader: bytes.NewReader(decompressed)}, nil
}

// CompressTo compresses src into dst. The block format must match what
// Decompress expects, so this uses snappy.Encode rather than the stream writer.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
