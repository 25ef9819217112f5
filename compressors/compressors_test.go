package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allCompressors(t *testing.T) []core.Compressor {
	t.Helper()
	var out []core.Compressor
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
		out = append(out, c)
	}
	return out
}

func TestCompressors_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("/hw/host1/cpu 0.5 /hw/host1/mem 2048 /hw/host1/cpu 0.7")},
		{name: "repetitive data", data: bytes.Repeat([]byte("a"), 64*1024)},
		{name: "empty data", data: []byte{}},
		{name: "less compressible", data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, c := range allCompressors(t) {
		for _, tc := range testCases {
			t.Run(c.Type().String()+"/"+tc.name, func(t *testing.T) {
				compressed, err := c.Compress(tc.data)
				require.NoError(t, err)
				rc, err := c.Decompress(compressed)
				require.NoError(t, err)
				got, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())
				assert.Equal(t, len(tc.data), len(got))
				assert.True(t, bytes.Equal(tc.data, got))

				var buf bytes.Buffer
				buf.WriteString("stale contents")
				require.NoError(t, c.CompressTo(&buf, tc.data))
				got, err = DecompressAll(c.Type(), buf.Bytes(), len(tc.data))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tc.data, got))
			})
		}
	}
}

func TestDecompressAll_LengthMismatch(t *testing.T) {
	c := NewSnappyCompressor()
	compressed, err := c.Compress([]byte("hello"))
	require.NoError(t, err)
	_, err = DecompressAll(core.CompressionSnappy, compressed, 6)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]core.CompressionType{
		"":       core.CompressionSnappy,
		"snappy": core.CompressionSnappy,
		"NONE":   core.CompressionNone,
		"lz4":    core.CompressionLZ4,
		" zstd ": core.CompressionZSTD,
	} {
		c, err := Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Type(), name)
	}
	_, err := Parse("brotli")
	assert.Error(t, err)

	_, err = ForType(core.CompressionType(9))
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
}

func TestSnappyDecompress_Corrupt(t *testing.T) {
	_, err := NewSnappyCompressor().Decompress([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestDecompressAll_LargeBlocks(t *testing.T) {
	if testing.Short() {
		t.Skip("decodes blocks larger than 64 MiB")
	}
	data := make([]byte, 80<<20)
	data[0], data[len(data)-1] = 1, 2
	for _, c := range []core.Compressor{NewLz4Compressor(), NewZstdCompressor()} {
		t.Run(c.Type().String(), func(t *testing.T) {
			compressed, err := c.Compress(data)
			require.NoError(t, err)
			got, err := DecompressAll(c.Type(), compressed, len(data))
			require.NoError(t, err)
			require.Len(t, got, len(data))
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestDecompressAll_LZ4SizeMismatch(t *testing.T) {
	compressed, err := NewLz4Compressor().Compress(bytes.Repeat([]byte("abc"), 100))
	require.NoError(t, err)
	_, err = DecompressAll(core.CompressionLZ4, compressed, 200)
	assert.Error(t, err, "a short destination is rejected")
	_, err = DecompressAll(core.CompressionLZ4, compressed, 400)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
