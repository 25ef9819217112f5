package core

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Record is one published value captured from the bus.
type Record struct {
	Path      string
	Timestamp int64 // UnixNano
	Value     Value
	SessionID SessionID
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// EncodedSize approximates the bytes the record adds to an uncompressed batch payload.
func (r Record) EncodedSize() int {
	return len(r.Path) + 2*binary.MaxVarintLen32 + EncodedValueSize(r.Value)
}

// Batch is an ordered group of records sharing one compression frame.
type Batch struct {
	Records []Record
}

func (b *Batch) Len() int { return len(b.Records) }

// MinTs returns the timestamp of the first record.
func (b *Batch) MinTs() int64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Timestamp
}

// MaxTs returns the timestamp of the last record.
func (b *Batch) MaxTs() int64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Timestamp
}

// Validate checks the batch is non-empty and non-decreasing in timestamp.
func (b *Batch) Validate() error {
	if len(b.Records) == 0 {
		return ErrEmptyBatch
	}
	for i := 1; i < len(b.Records); i++ {
		if b.Records[i].Timestamp < b.Records[i-1].Timestamp {
			return fmt.Errorf("%w: record %d at %d precedes %d", ErrOutOfOrder, i, b.Records[i].Timestamp, b.Records[i-1].Timestamp)
		}
	}
	return nil
}

// AppendBatchPayload appends the uncompressed payload of records to dst.
//
// Layout: uvarint pathCount, pathCount x (uvarint len, bytes), then per record
// uvarint pathIndex, uvarint delta from the previous timestamp (the first from
// records[0].Timestamp, so it is always 0), and the value encoding.
// Paths are interned in first-seen order.
func AppendBatchPayload(dst []byte, records []Record) []byte {
	pathIdx := make(map[string]uint64, 8)
	paths := make([]string, 0, 8)
	for i := range records {
		if _, ok := pathIdx[records[i].Path]; !ok {
			pathIdx[records[i].Path] = uint64(len(paths))
			paths = append(paths, records[i].Path)
		}
	}
	dst = binary.AppendUvarint(dst, uint64(len(paths)))
	for _, p := range paths {
		dst = binary.AppendUvarint(dst, uint64(len(p)))
		dst = append(dst, p...)
	}
	if len(records) == 0 {
		return dst
	}
	prev := records[0].Timestamp
	for i := range records {
		r := &records[i]
		dst = binary.AppendUvarint(dst, pathIdx[r.Path])
		dst = binary.AppendUvarint(dst, uint64(r.Timestamp-prev))
		dst = AppendValue(dst, r.Value)
		prev = r.Timestamp
	}
	return dst
}

// DecodeBatchPayload decodes count records from an uncompressed payload whose
// first record is at minTs. Every record is stamped with session.
func DecodeBatchPayload(data []byte, minTs int64, count int, session SessionID) ([]Record, error) {
	pathCount, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: path count", ErrTruncatedPayload)
	}
	data = data[n:]
	if pathCount > uint64(len(data)) {
		return nil, fmt.Errorf("%w: path count %d exceeds payload", ErrTruncatedPayload, pathCount)
	}
	paths := make([]string, pathCount)
	for i := range paths {
		l, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < l {
			return nil, fmt.Errorf("%w: path %d", ErrTruncatedPayload, i)
		}
		paths[i] = string(data[n : n+int(l)])
		data = data[n+int(l):]
	}

	records := make([]Record, 0, count)
	ts := minTs
	for i := 0; i < count; i++ {
		idx, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: record %d path index", ErrTruncatedPayload, i)
		}
		if idx >= pathCount {
			return nil, fmt.Errorf("record %d: path index %d out of range (%d paths)", i, idx, pathCount)
		}
		data = data[n:]
		delta, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: record %d timestamp", ErrTruncatedPayload, i)
		}
		data = data[n:]
		ts += int64(delta)
		v, n, err := DecodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("record %d value: %w", i, err)
		}
		data = data[n:]
		records = append(records, Record{Path: paths[idx], Timestamp: ts, Value: v, SessionID: session})
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records", len(data), count)
	}
	return records, nil
}
