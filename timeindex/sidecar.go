package timeindex

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/nexusarchive/checkpoint"
	"github.com/INLOpen/nexusarchive/core"
)

// Sidecar layout (little-endian):
//
//	magic uint32 | version uint8 | reserved [3]byte | session [16]byte |
//	coveredEnd int64 | count uint32 | count x entry | crc32 uint32
//
// entry: minTs int64 | maxTs int64 | offset int64 | length uint32 | records uint32
const (
	sidecarHeaderSize = 36
	entrySize         = 32
)

// Meta identifies the segment state a sidecar was written for.
type Meta struct {
	SessionID core.SessionID
	// CoveredEnd is the committed end of the segment when the sidecar was written.
	CoveredEnd int64
}

// MarshalBinary encodes the index and meta into the sidecar format.
func (idx *Index) MarshalBinary(meta Meta) []byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	buf := make([]byte, sidecarHeaderSize, sidecarHeaderSize+len(idx.entries)*entrySize+core.ChecksumSize)
	binary.LittleEndian.PutUint32(buf[0:4], core.TimeIndexMagicNumber)
	buf[4] = core.FormatVersion
	copy(buf[8:24], meta.SessionID[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(meta.CoveredEnd))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(idx.entries)))
	for _, e := range idx.entries {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.MinTs))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.MaxTs))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, e.Length)
		buf = binary.LittleEndian.AppendUint32(buf, e.Records)
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// Unmarshal decodes a sidecar. The checksum covers everything before it.
func Unmarshal(data []byte, opts Options) (*Index, Meta, error) {
	if len(data) < sidecarHeaderSize+core.ChecksumSize {
		return nil, Meta{}, fmt.Errorf("%w: short file (%d bytes)", core.ErrIndexCorrupt, len(data))
	}
	body := data[:len(data)-core.ChecksumSize]
	want := binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, Meta{}, fmt.Errorf("%w: checksum mismatch (stored %#x, computed %#x)", core.ErrIndexCorrupt, want, got)
	}
	if magic := binary.LittleEndian.Uint32(body[0:4]); magic != core.TimeIndexMagicNumber {
		return nil, Meta{}, fmt.Errorf("%w: bad magic %#x", core.ErrIndexCorrupt, magic)
	}
	if v := body[4]; v == 0 || v > core.FormatVersion {
		return nil, Meta{}, fmt.Errorf("%w: index version %d", core.ErrUnsupportedFormat, v)
	}
	var meta Meta
	copy(meta.SessionID[:], body[8:24])
	meta.CoveredEnd = int64(binary.LittleEndian.Uint64(body[24:32]))
	count := int(binary.LittleEndian.Uint32(body[32:36]))
	if len(body) != sidecarHeaderSize+count*entrySize {
		return nil, Meta{}, fmt.Errorf("%w: %d entries do not fit %d bytes", core.ErrIndexCorrupt, count, len(body))
	}

	idx := New(opts)
	p := body[sidecarHeaderSize:]
	for i := 0; i < count; i++ {
		e := Entry{
			MinTs:   int64(binary.LittleEndian.Uint64(p[0:8])),
			MaxTs:   int64(binary.LittleEndian.Uint64(p[8:16])),
			Offset:  int64(binary.LittleEndian.Uint64(p[16:24])),
			Length:  binary.LittleEndian.Uint32(p[24:28]),
			Records: binary.LittleEndian.Uint32(p[28:32]),
		}
		if err := idx.Append(e); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: entry %d: %v", core.ErrIndexCorrupt, i, err)
		}
		p = p[entrySize:]
	}
	return idx, meta, nil
}

// Save atomically replaces the sidecar at path.
func (idx *Index) Save(path string, meta Meta) error {
	if err := checkpoint.WriteFile(path, idx.MarshalBinary(meta)); err != nil {
		return fmt.Errorf("failed to save time index: %w", err)
	}
	return nil
}

// Load reads the sidecar at path. A missing file yields ErrIndexMissing.
func Load(path string, opts Options) (*Index, Meta, error) {
	data, found, err := checkpoint.ReadFile(path)
	if err != nil {
		return nil, Meta{}, err
	}
	if !found {
		return nil, Meta{}, core.ErrIndexMissing
	}
	return Unmarshal(data, opts)
}
