package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexusarchive/compressors"
	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/timeindex"
)

// Frame layout (little-endian):
//
//	magic uint32 | payloadLen uint32 | rawLen uint32 | records uint32 |
//	minTs int64 | maxTs int64 | compression uint8 | reserved [3]byte |
//	payload | crc32 uint32 (header+payload) | commit marker uint32
const (
	frameHeaderSize  = 36
	frameTrailerSize = core.ChecksumSize + core.CommitMarkerSize
	// MaxFramePayload bounds a single batch payload. Larger lengths in a header are corruption.
	MaxFramePayload = core.MaxBatchPayload
)

type frameHeader struct {
	PayloadLen  uint32
	RawLen      uint32
	Records     uint32
	MinTs       int64
	MaxTs       int64
	Compression core.CompressionType
}

func (h frameHeader) frameLen() int64 {
	return frameHeaderSize + int64(h.PayloadLen) + frameTrailerSize
}

func (h frameHeader) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, core.BatchFrameMagic)
	dst = binary.LittleEndian.AppendUint32(dst, h.PayloadLen)
	dst = binary.LittleEndian.AppendUint32(dst, h.RawLen)
	dst = binary.LittleEndian.AppendUint32(dst, h.Records)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.MinTs))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.MaxTs))
	return append(dst, byte(h.Compression), 0, 0, 0)
}

func parseFrameHeader(b []byte) frameHeader {
	return frameHeader{
		PayloadLen:  binary.LittleEndian.Uint32(b[4:8]),
		RawLen:      binary.LittleEndian.Uint32(b[8:12]),
		Records:     binary.LittleEndian.Uint32(b[12:16]),
		MinTs:       int64(binary.LittleEndian.Uint64(b[16:24])),
		MaxTs:       int64(binary.LittleEndian.Uint64(b[24:32])),
		Compression: core.CompressionType(b[32]),
	}
}

// EncodedBatch is a batch serialized and compressed into a complete frame,
// ready to be appended. Encoding is pure and may run on any goroutine.
type EncodedBatch struct {
	frame    []byte
	header   frameHeader
	RawBytes int
}

func (e *EncodedBatch) MinTs() int64  { return e.header.MinTs }
func (e *EncodedBatch) MaxTs() int64  { return e.header.MaxTs }
func (e *EncodedBatch) Records() int  { return int(e.header.Records) }
func (e *EncodedBatch) FrameLen() int { return len(e.frame) }
func (e *EncodedBatch) StoredBytes() int {
	return int(e.header.PayloadLen)
}
func (e *EncodedBatch) Compression() core.CompressionType {
	return e.header.Compression
}

// EncodeBatch serializes and compresses b. When compression does not shrink the
// payload the frame stores it uncompressed.
func EncodeBatch(b *core.Batch, c core.Compressor) (*EncodedBatch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = compressors.NewSnappyCompressor()
	}

	rawBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(rawBuf)
	raw := core.AppendBatchPayload(rawBuf.AvailableBuffer(), b.Records)
	if len(raw) > MaxFramePayload {
		return nil, fmt.Errorf("batch payload of %d bytes exceeds frame limit %d", len(raw), MaxFramePayload)
	}

	payload := raw
	ct := core.CompressionNone
	if c.Type() != core.CompressionNone {
		compBuf := core.BufferPool.Get()
		defer core.BufferPool.Put(compBuf)
		if err := c.CompressTo(compBuf, raw); err != nil {
			return nil, fmt.Errorf("failed to compress batch with %s: %w", c.Type(), err)
		}
		if compBuf.Len() < len(raw) {
			payload = compBuf.Bytes()
			ct = c.Type()
		}
	}

	h := frameHeader{
		PayloadLen:  uint32(len(payload)),
		RawLen:      uint32(len(raw)),
		Records:     uint32(len(b.Records)),
		MinTs:       b.MinTs(),
		MaxTs:       b.MaxTs(),
		Compression: ct,
	}
	frame := make([]byte, 0, h.frameLen())
	frame = h.appendTo(frame)
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	frame = binary.LittleEndian.AppendUint32(frame, core.CommitMarker)
	return &EncodedBatch{frame: frame, header: h, RawBytes: len(raw)}, nil
}

type frameState int

const (
	frameOK frameState = iota
	// framePending means the bytes at the offset do not (yet) form a committed
	// frame: the file ends early or the frame is only partly written.
	framePending
	frameCorrupt
)

// readFrame reads and verifies the frame at off. size is the file length
// the caller observed. The returned payload is still compressed.
func readFrame(r io.ReaderAt, off, size int64) (frameHeader, []byte, frameState, error) {
	if off+frameHeaderSize+frameTrailerSize > size {
		return frameHeader{}, nil, framePending, nil
	}
	var hb [frameHeaderSize]byte
	if _, err := r.ReadAt(hb[:], off); err != nil {
		return frameHeader{}, nil, framePending, fmt.Errorf("read frame header at %d: %w", off, err)
	}
	if magic := binary.LittleEndian.Uint32(hb[0:4]); magic != core.BatchFrameMagic {
		// The writer stores the magic after the rest of the frame body, so a
		// zero magic is a frame still being written.
		if magic == 0 {
			return frameHeader{}, nil, framePending, nil
		}
		return frameHeader{}, nil, frameCorrupt, core.NewCorruptBatchError(off, fmt.Sprintf("bad frame magic %#x", magic), nil)
	}
	h := parseFrameHeader(hb[:])
	if h.PayloadLen > MaxFramePayload || h.RawLen > MaxFramePayload || h.Records == 0 || h.MinTs > h.MaxTs {
		return h, nil, frameCorrupt, core.NewCorruptBatchError(off, fmt.Sprintf("implausible header (payload %d, records %d, ts %d..%d)", h.PayloadLen, h.Records, h.MinTs, h.MaxTs), nil)
	}
	if off+h.frameLen() > size {
		return h, nil, framePending, nil
	}

	body := make([]byte, int(h.PayloadLen)+frameTrailerSize)
	if _, err := r.ReadAt(body, off+frameHeaderSize); err != nil {
		return h, nil, framePending, fmt.Errorf("read frame body at %d: %w", off, err)
	}
	payload := body[:h.PayloadLen]
	trailer := body[h.PayloadLen:]
	marker := binary.LittleEndian.Uint32(trailer[core.ChecksumSize:])
	if marker != core.CommitMarker {
		if marker == 0 {
			return h, nil, framePending, nil
		}
		return h, nil, frameCorrupt, core.NewCorruptBatchError(off, fmt.Sprintf("bad commit marker %#x", marker), nil)
	}
	crc := crc32.NewIEEE()
	crc.Write(hb[:])
	crc.Write(payload)
	if stored, computed := binary.LittleEndian.Uint32(trailer[:core.ChecksumSize]), crc.Sum32(); stored != computed {
		return h, nil, frameCorrupt, core.NewCorruptBatchError(off, fmt.Sprintf("checksum mismatch (stored %#x, computed %#x)", stored, computed), nil)
	}
	return h, payload, frameOK, nil
}

// scanFrames walks committed frames from off until the first frame that is
// pending or corrupt, calling fn for each valid one. It returns the offset just
// past the last valid frame.
func scanFrames(r io.ReaderAt, off, size int64, fn func(timeindex.Entry) error) (int64, frameState, error) {
	for {
		h, _, state, err := readFrame(r, off, size)
		if state != frameOK {
			return off, state, err
		}
		e := timeindex.Entry{
			MinTs:   h.MinTs,
			MaxTs:   h.MaxTs,
			Offset:  off,
			Length:  uint32(h.frameLen()),
			Records: h.Records,
		}
		if err := fn(e); err != nil {
			return off, frameCorrupt, core.NewCorruptBatchError(off, "frame out of order", err)
		}
		off += h.frameLen()
	}
}

// decodeFrame decompresses and decodes a verified frame payload.
func decodeFrame(off int64, h frameHeader, payload []byte, session core.SessionID) (*core.Batch, error) {
	raw, err := compressors.DecompressAll(h.Compression, payload, int(h.RawLen))
	if err != nil {
		return nil, core.NewCorruptBatchError(off, "decompress", err)
	}
	records, err := core.DecodeBatchPayload(raw, h.MinTs, int(h.Records), session)
	if err != nil {
		return nil, core.NewCorruptBatchError(off, "decode", err)
	}
	if records[len(records)-1].Timestamp != h.MaxTs {
		return nil, core.NewCorruptBatchError(off, fmt.Sprintf("last record at %d, header says %d", records[len(records)-1].Timestamp, h.MaxTs), nil)
	}
	return &core.Batch{Records: records}, nil
}
