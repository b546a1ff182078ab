package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c core.Compressor, data []byte) {
	t.Helper()
	compressed, err := c.Compress(data)
	require.NoError(t, err)

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got, "decompressed data should match original")
}

func TestCompressors_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello world"),
		"repetitive": bytes.Repeat([]byte("nexuskv-block-"), 1024),
	}

	codecs := []core.Compressor{
		&NoCompressionCompressor{},
		NewSnappyCompressor(),
		NewLz4Compressor(),
		NewZstdCompressor(),
	}

	for _, c := range codecs {
		c := c
		t.Run(c.Type().String(), func(t *testing.T) {
			for name, data := range payloads {
				t.Run(name, func(t *testing.T) {
					if len(data) == 0 {
						data = []byte(nil)
						// Empty input round-trips to empty output for all codecs.
						compressed, err := c.Compress(nil)
						require.NoError(t, err)
						rc, err := c.Decompress(compressed)
						require.NoError(t, err)
						defer rc.Close()
						got, err := io.ReadAll(rc)
						require.NoError(t, err)
						assert.Empty(t, got)
						return
					}
					roundTrip(t, c, data)
				})
			}
		})
	}
}

func TestCompressors_CompressTo(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 512)
	for _, c := range []core.Compressor{
		&NoCompressionCompressor{},
		NewSnappyCompressor(),
		NewLz4Compressor(),
		NewZstdCompressor(),
	} {
		t.Run(c.Type().String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, c.CompressTo(&buf, data))

			rc, err := c.Decompress(buf.Bytes())
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestGet_UnknownType(t *testing.T) {
	_, err := Get(core.CompressionType(0xFF))
	assert.ErrorIs(t, err, core.ErrCorrupted)

	c, err := Get(core.CompressionSnappy)
	require.NoError(t, err)
	assert.Equal(t, core.CompressionSnappy, c.Type())
}
