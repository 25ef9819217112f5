package segment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusarchive/checkpoint"
	"github.com/INLOpen/nexusarchive/compressors"
	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/sys"
	"github.com/INLOpen/nexusarchive/timeindex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Writer is the single appender of a segment. It holds the segment's
// exclusive lock from Create/OpenAppend until Close.
type Writer struct {
	mu         sync.Mutex
	path       string
	name       string
	file       *os.File
	header     core.SegmentHeader
	index      *timeindex.Index
	end        atomic.Int64 // committed end of file
	dirty      bool
	closed     bool
	release    func() error
	compressor core.Compressor
	opts       Options
	logger     *slog.Logger

	testingOnlyInjectAppendError error
	testingOnlyInjectAppendCount int
}

func (o Options) withDefaults() Options {
	if o.Compressor == nil {
		o.Compressor = compressors.NewSnappyCompressor()
	}
	return o
}

func acquireLock(path string, timeout time.Duration) (func() error, error) {
	release, err := sys.AcquireFileLock(path, timeout)
	if err != nil {
		if errors.Is(err, sys.ErrLocked) {
			return nil, fmt.Errorf("%w: %s is being written by another writer", core.ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("failed to lock segment %s: %w", path, err)
	}
	return release, nil
}

// Create creates a new, empty segment at path for session.
// It fails with ErrAlreadyExists if another writer holds the segment or a file
// already exists at path.
func Create(path string, session core.SessionID, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	logger := opts.logger("SegmentWriter")

	release, err := acquireLock(path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		_ = release()
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("failed to create segment %s: %w", path, err)
	}

	header := core.NewSegmentHeader(session, opts.Compressor.Type())
	if _, err := header.WriteTo(file); err != nil {
		file.Close()
		_ = os.Remove(path)
		_ = release()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(path)
		_ = release()
		return nil, fmt.Errorf("failed to sync new segment %s: %w", path, err)
	}
	_ = sys.SyncDir(path)

	w := &Writer{
		path:       path,
		name:       core.SegmentName(path),
		file:       file,
		header:     header,
		index:      timeindex.New(timeindex.Options{Tracer: opts.Tracer, Logger: opts.Logger}),
		release:    release,
		compressor: opts.Compressor,
		opts:       opts,
		logger:     logger.With("segment", path),
	}
	w.end.Store(core.SegmentHeaderSize)
	// A sidecar left by an earlier file at this path must not be mistaken for ours.
	_ = checkpoint.Remove(core.IndexPath(path))
	w.dirty = true
	if err := w.Flush(); err != nil {
		w.Close()
		return nil, err
	}
	w.logger.Info("Segment created.", "session", session, "compression", opts.Compressor.Type())
	return w, nil
}

// OpenAppend reopens an existing segment for appending, for example after a
// crash. A torn frame at the tail is truncated away. A corrupt frame before
// the tail is reported and the segment is not opened, so no committed data is
// discarded.
func OpenAppend(path string, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	logger := opts.logger("SegmentWriter").With("segment", path)

	release, err := acquireLock(path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	fail := func(f *os.File, err error) (*Writer, error) {
		if f != nil {
			f.Close()
		}
		_ = release()
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fail(nil, fmt.Errorf("failed to open segment %s: %w", path, err))
	}
	header, err := core.ReadSegmentHeader(file)
	if err != nil {
		return fail(file, fmt.Errorf("segment %s: %w", path, err))
	}
	info, err := file.Stat()
	if err != nil {
		return fail(file, err)
	}

	rec := recoverIndex(file, path, info.Size(), header, opts, logger)
	switch {
	case rec.state == frameCorrupt:
		return fail(file, wrapCorrupt(path, rec.err))
	case rec.err != nil:
		return fail(file, fmt.Errorf("failed to scan segment %s: %w", path, rec.err))
	}
	if torn := info.Size() - rec.end; torn > 0 {
		logger.Warn("Truncating uncommitted tail.", "committed_end", rec.end, "discarded_bytes", torn)
		if err := file.Truncate(rec.end); err != nil {
			return fail(file, fmt.Errorf("failed to truncate torn tail of %s: %w", path, err))
		}
		if err := file.Sync(); err != nil {
			return fail(file, err)
		}
	}

	w := &Writer{
		path:       path,
		name:       core.SegmentName(path),
		file:       file,
		header:     header,
		index:      rec.index,
		release:    release,
		compressor: opts.Compressor,
		opts:       opts,
		logger:     logger,
		dirty:      rec.reason != rebuildNoReason,
	}
	w.end.Store(rec.end)
	if err := w.Flush(); err != nil {
		w.Close()
		return nil, err
	}
	logger.Info("Segment reopened for append.", "session", header.SessionID, "batches", rec.index.Len(), "committed_end", rec.end)
	return w, nil
}

// Append encodes b with the writer's compressor and appends it.
func (w *Writer) Append(b *core.Batch) (int64, error) {
	enc, err := EncodeBatch(b, w.compressor)
	if err != nil {
		return 0, err
	}
	return w.AppendEncoded(enc)
}

// AppendEncoded writes the frame at the end of the file followed by its commit
// marker and returns the frame offset. On error nothing becomes visible and the
// same batch may be retried.
func (w *Writer) AppendEncoded(enc *EncodedBatch) (offset int64, err error) {
	var span trace.Span
	if w.opts.Tracer != nil {
		_, span = w.opts.Tracer.Start(context.Background(), "Segment.Append")
		span.SetAttributes(
			attribute.String("segment.path", w.path),
			attribute.Int("segment.batch.records", enc.Records()),
			attribute.Int("segment.batch.frame_bytes", enc.FrameLen()),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, core.ErrClosed
	}
	if last, ok := w.index.Last(); ok && enc.MinTs() < last.MaxTs {
		return 0, fmt.Errorf("%w: batch starting at %d after batch ending at %d", core.ErrOutOfOrder, enc.MinTs(), last.MaxTs)
	}
	if w.testingOnlyInjectAppendCount > 0 {
		w.testingOnlyInjectAppendCount--
		return 0, w.testingOnlyInjectAppendError
	}

	off := w.end.Load()
	body := enc.frame[:len(enc.frame)-core.CommitMarkerSize]
	// Magic last: a concurrent reader that sees it also sees a whole header.
	if _, err := w.file.WriteAt(body[4:], off+4); err != nil {
		w.discardTail(off)
		return 0, fmt.Errorf("failed to write batch frame at %d: %w", off, err)
	}
	if _, err := w.file.WriteAt(body[:4], off); err != nil {
		w.discardTail(off)
		return 0, fmt.Errorf("failed to write batch frame magic at %d: %w", off, err)
	}
	if w.opts.SyncEveryAppend {
		if err := w.file.Sync(); err != nil {
			w.discardTail(off)
			return 0, fmt.Errorf("failed to sync batch frame at %d: %w", off, err)
		}
	}
	var marker [core.CommitMarkerSize]byte
	binary.LittleEndian.PutUint32(marker[:], core.CommitMarker)
	if _, err := w.file.WriteAt(marker[:], off+int64(len(body))); err != nil {
		w.discardTail(off)
		return 0, fmt.Errorf("failed to write commit marker at %d: %w", off, err)
	}

	entry := timeindex.Entry{
		MinTs:   enc.MinTs(),
		MaxTs:   enc.MaxTs(),
		Offset:  off,
		Length:  uint32(len(enc.frame)),
		Records: uint32(enc.Records()),
	}
	if err := w.index.Append(entry); err != nil {
		w.discardTail(off)
		return 0, err
	}
	w.end.Store(entry.End())
	w.dirty = true

	w.opts.Metrics.ObserveAppend(w.name, len(enc.frame), time.Since(start))
	_ = hooks.Fire(context.Background(), w.opts.HookManager, hooks.NewPostBatchAppendEvent(hooks.BatchAppendPayload{
		Path:        w.path,
		Offset:      off,
		Length:      entry.Length,
		Records:     enc.Records(),
		MinTs:       entry.MinTs,
		MaxTs:       entry.MaxTs,
		RawBytes:    enc.RawBytes,
		StoredBytes: enc.StoredBytes(),
		Compression: enc.Compression(),
	}))

	if w.opts.SyncEveryAppend {
		if err := w.flushLocked(); err != nil {
			// The batch is committed; only the index sidecar is behind.
			w.logger.Warn("Flush after append failed.", "offset", off, "error", err)
		}
	}
	return off, nil
}

// discardTail drops bytes written past the committed end by a failed append.
func (w *Writer) discardTail(committedEnd int64) {
	if err := w.file.Truncate(committedEnd); err != nil {
		w.logger.Warn("Failed to discard partial frame.", "committed_end", committedEnd, "error", err)
	}
}

// Flush makes every appended batch durable and atomically rewrites the time
// index sidecar.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return core.ErrClosed
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if !w.dirty {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %s: %w", w.path, err)
	}
	end := w.end.Load()
	if err := w.index.Save(core.IndexPath(w.path), timeindex.Meta{SessionID: w.header.SessionID, CoveredEnd: end}); err != nil {
		return err
	}
	w.dirty = false
	w.opts.Metrics.ObserveFlush(w.name)
	_ = hooks.Fire(context.Background(), w.opts.HookManager, hooks.NewPostFlushEvent(hooks.FlushPayload{
		Path: w.path, CommittedEnd: end, Batches: w.index.Len(),
	}))
	return nil
}

// Close flushes, closes the file and releases the writer lock. It is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	releaseErr := w.release()
	if err := errors.Join(flushErr, closeErr, releaseErr); err != nil {
		return fmt.Errorf("failed to close segment %s: %w", w.path, err)
	}
	w.logger.Info("Segment closed.", "batches", w.index.Len(), "committed_end", w.end.Load())
	return nil
}

func (w *Writer) Path() string                { return w.path }
func (w *Writer) Header() core.SegmentHeader  { return w.header }
func (w *Writer) SessionID() core.SessionID   { return w.header.SessionID }
func (w *Writer) CommittedEnd() int64         { return w.end.Load() }
func (w *Writer) Compressor() core.Compressor { return w.compressor }
func (w *Writer) Index() *timeindex.Index     { return w.index }
func (w *Writer) SyncEveryAppend() bool       { return w.opts.SyncEveryAppend }

// SetTestingOnlyInjectAppendError makes the next times appends fail with err
// before touching the file.
func (w *Writer) SetTestingOnlyInjectAppendError(err error, times int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
	w.testingOnlyInjectAppendCount = times
}
