package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// SegmentHeader is the fixed header at offset 0 of every segment file.
type SegmentHeader struct {
	Magic       uint32
	Version     uint8
	Compression CompressionType
	Reserved    uint16
	CreatedAt   int64 // UnixNano timestamp
	SessionID   SessionID
}

// SegmentHeaderSize is the encoded size of SegmentHeader.
const SegmentHeaderSize = 32

func (h *SegmentHeader) Size() int {
	return binary.Size(h)
}

// NewSegmentHeader creates a new header with the current time.
func NewSegmentHeader(sessionID SessionID, compression CompressionType) SegmentHeader {
	return SegmentHeader{
		Magic:       SegmentMagicNumber,
		Version:     FormatVersion,
		Compression: compression,
		CreatedAt:   time.Now().UnixNano(),
		SessionID:   sessionID,
	}
}

func (h *SegmentHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, fmt.Errorf("failed to write segment header: %w", err)
	}
	return SegmentHeaderSize, nil
}

// ReadSegmentHeader reads and validates a segment header.
// A bad magic number yields ErrNotSegment and a version newer than FormatVersion
// yields ErrUnsupportedFormat.
func ReadSegmentHeader(r io.Reader) (SegmentHeader, error) {
	var h SegmentHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return h, fmt.Errorf("%w: short header", ErrNotSegment)
		}
		return h, fmt.Errorf("failed to read segment header: %w", err)
	}
	if h.Magic != SegmentMagicNumber {
		return h, fmt.Errorf("%w: bad magic %#x", ErrNotSegment, h.Magic)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return h, fmt.Errorf("%w: segment version %d, supported up to %d", ErrUnsupportedFormat, h.Version, FormatVersion)
	}
	return h, nil
}
