package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/timeindex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader gives read-only access to a segment, including one that is still
// being written. It never takes the writer lock and never sees uncommitted
// frames.
type Reader struct {
	mu     sync.Mutex // serializes Refresh
	path   string
	file   *os.File
	header core.SegmentHeader
	index  *timeindex.Index
	end    atomic.Int64
	err    error // sticky: corruption that stops further reading
	closed atomic.Bool
	opts   Options
	logger *slog.Logger
}

// OpenRead opens the segment at path for reading.
func OpenRead(path string, opts Options) (*Reader, error) {
	logger := opts.logger("SegmentReader").With("segment", path)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	header, err := core.ReadSegmentHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	rec := recoverIndex(file, path, info.Size(), header, opts, logger)
	if rec.state != frameCorrupt && rec.err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan segment %s: %w", path, rec.err)
	}
	r := &Reader{
		path:   path,
		file:   file,
		header: header,
		index:  rec.index,
		opts:   opts,
		logger: logger,
	}
	if rec.state == frameCorrupt {
		r.err = wrapCorrupt(path, rec.err)
	}
	r.end.Store(rec.end)
	return r, nil
}

// Refresh picks up frames committed since the last call and returns how many
// were added. After a corrupt frame it keeps returning that error.
func (r *Reader) Refresh() (int, error) {
	if r.closed.Load() {
		return 0, core.ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}

	info, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	if cur, err := os.Stat(r.path); err != nil || !os.SameFile(info, cur) {
		return 0, fmt.Errorf("%w: %s", core.ErrSegmentReplaced, r.path)
	}
	end := r.end.Load()
	if info.Size() < end {
		return 0, fmt.Errorf("%w: %s shrank from %d to %d bytes", core.ErrSegmentReplaced, r.path, end, info.Size())
	}
	if info.Size() == end {
		return 0, nil
	}

	before := r.index.Len()
	newEnd, state, scanErr := scanFrames(r.file, end, info.Size(), r.index.Append)
	r.end.Store(newEnd)
	added := r.index.Len() - before
	if state == frameCorrupt {
		reportCorrupt(r.path, newEnd, scanErr, r.opts, r.logger)
		r.err = wrapCorrupt(r.path, scanErr)
		return added, r.err
	}
	if scanErr != nil {
		return added, scanErr
	}
	return added, nil
}

// ReadBatch reads, verifies and decodes the batch frame at offset.
func (r *Reader) ReadBatch(offset int64) (batch *core.Batch, err error) {
	var span trace.Span
	if r.opts.Tracer != nil {
		_, span = r.opts.Tracer.Start(context.Background(), "Segment.ReadBatch")
		span.SetAttributes(attribute.String("segment.path", r.path), attribute.Int64("segment.offset", offset))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	if r.closed.Load() {
		return nil, core.ErrClosed
	}
	end := r.end.Load()
	if offset < core.SegmentHeaderSize || offset >= end {
		return nil, fmt.Errorf("offset %d outside committed range [%d, %d) of %s", offset, core.SegmentHeaderSize, end, r.path)
	}
	h, payload, state, err := readFrame(r.file, offset, end)
	if state != frameOK {
		if err == nil {
			err = core.NewCorruptBatchError(offset, "no committed frame at offset", nil)
		}
		if state == frameCorrupt {
			reportCorrupt(r.path, offset, err, r.opts, r.logger)
		}
		return nil, wrapCorrupt(r.path, err)
	}
	b, err := decodeFrame(offset, h, payload, r.header.SessionID)
	if err != nil {
		reportCorrupt(r.path, offset, err, r.opts, r.logger)
		return nil, wrapCorrupt(r.path, err)
	}
	return b, nil
}

// ReadBatchAt reads the batch at index position pos.
func (r *Reader) ReadBatchAt(pos int) (*core.Batch, timeindex.Entry, error) {
	e, ok := r.index.At(pos)
	if !ok {
		return nil, e, fmt.Errorf("batch position %d out of range (%d batches)", pos, r.index.Len())
	}
	b, err := r.ReadBatch(e.Offset)
	return b, e, err
}

// Err returns the corruption that stopped reading, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) Path() string               { return r.path }
func (r *Reader) Header() core.SegmentHeader { return r.header }
func (r *Reader) Index() *timeindex.Index    { return r.index }
func (r *Reader) CommittedEnd() int64        { return r.end.Load() }
func (r *Reader) Logger() *slog.Logger       { return r.logger }

// Close releases the file handle. It is idempotent.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.file.Close()
}
