package compressors

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/INLOpen/nexusarchive/core"
)

var (
	zstdOnce   sync.Once
	sharedZstd *ZstdCompressor
)

// ForType returns the compressor for a type stored on disk.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		zstdOnce.Do(func() { sharedZstd = NewZstdCompressor() })
		return sharedZstd, nil
	}
	return nil, fmt.Errorf("%w: compression type %d", core.ErrUnsupportedFormat, t)
}

// Parse maps a configuration name ("none", "snappy", "lz4", "zstd") to a compressor.
// An empty name selects snappy.
func Parse(name string) (core.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return ForType(core.CompressionSnappy)
	case "none":
		return ForType(core.CompressionNone)
	case "lz4":
		return ForType(core.CompressionLZ4)
	case "zstd":
		return ForType(core.CompressionZSTD)
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

// sizedDecompressor is implemented by codecs whose blocks do not record their
// own uncompressed length.
type sizedDecompressor interface {
	DecompressSized(data []byte, rawLen int) ([]byte, error)
}

// DecompressAll decompresses data with the compressor for t and checks the
// result is exactly rawLen bytes long.
func DecompressAll(t core.CompressionType, data []byte, rawLen int) ([]byte, error) {
	c, err := ForType(t)
	if err != nil {
		return nil, err
	}
	if sc, ok := c.(sizedDecompressor); ok {
		out, err := sc.DecompressSized(data, rawLen)
		if err != nil {
			return nil, err
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("%s decompressed %d bytes, want %d: %w", t, len(out), rawLen, io.ErrUnexpectedEOF)
		}
		return out, nil
	}
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out := make([]byte, 0, rawLen)
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("%s decompress read: %w", t, err)
	}
	if buf.Len() != rawLen {
		return nil, fmt.Errorf("%s decompressed %d bytes, want %d: %w", t, buf.Len(), rawLen, io.ErrUnexpectedEOF)
	}
	return append(out, buf.Bytes()...), nil
}
