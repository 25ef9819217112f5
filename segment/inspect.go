package segment

import (
	"context"
	"fmt"
	"os"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/timeindex"
)

// Info summarizes a segment.
type Info struct {
	Path         string
	Header       core.SegmentHeader
	FileSize     int64
	CommittedEnd int64
	Batches      int
	Records      uint64
	MinTs        int64
	MaxTs        int64
	// Compression counts batches by the codec they were stored with.
	Compression map[core.CompressionType]int
	// Err is the corruption that ends the readable data, if any.
	Err error
}

// Inspect reads the segment at path and summarizes it. Every frame is read
// and checksummed; a corrupt batch ends the summary and is reported in
// Info.Err rather than as an error.
func Inspect(path string, opts Options) (Info, error) {
	r, err := OpenRead(path, opts)
	if err != nil {
		return Info{}, err
	}
	defer r.Close()

	info := Info{
		Path:         path,
		Header:       r.Header(),
		CommittedEnd: r.CommittedEnd(),
		Compression:  make(map[core.CompressionType]int),
		Err:          r.Err(),
	}
	if st, err := os.Stat(path); err == nil {
		info.FileSize = st.Size()
	}
	for i, e := range r.Index().Entries() {
		if i == 0 {
			info.MinTs = e.MinTs
		}
		if e.MaxTs > info.MaxTs || i == 0 {
			info.MaxTs = e.MaxTs
		}
		info.Batches++
		info.Records += uint64(e.Records)
		c, err := r.frameCompression(e)
		if err != nil {
			info.Err = err
			break
		}
		info.Compression[c]++
	}
	return info, nil
}

func (r *Reader) frameCompression(e timeindex.Entry) (core.CompressionType, error) {
	h, _, state, err := readFrame(r.file, e.Offset, r.end.Load())
	if state != frameOK {
		if err == nil {
			err = fmt.Errorf("%w: frame at %d is not committed", core.ErrCorruptBatch, e.Offset)
		}
		return 0, wrapCorrupt(r.path, err)
	}
	return h.Compression, nil
}

// Reindex discards the time index sidecar of the segment at path, rebuilds
// it from a full scan and writes it back. It takes the writer lock, so it
// fails with ErrAlreadyExists while the segment is being written. Frames past
// a corrupt one are not indexed; the corruption is returned with the index
// that was rebuilt.
func Reindex(path string, opts Options) (*timeindex.Index, error) {
	logger := opts.logger("SegmentReindex").With("segment", path)
	release, err := acquireLock(path, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer file.Close()
	header, err := core.ReadSegmentHeader(file)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	idx := timeindex.New(timeindex.Options{Tracer: opts.Tracer, Logger: opts.Logger})
	end, state, scanErr := scanFrames(file, core.SegmentHeaderSize, info.Size(), idx.Append)
	if state != frameCorrupt && scanErr != nil {
		return nil, fmt.Errorf("failed to scan segment %s: %w", path, scanErr)
	}
	if err := idx.Save(core.IndexPath(path), timeindex.Meta{SessionID: header.SessionID, CoveredEnd: end}); err != nil {
		return nil, err
	}
	logger.Info("Time index rebuilt.", "reason", "requested", "entries", idx.Len(), "committed_end", end)
	opts.Metrics.ObserveIndexRebuild(core.SegmentName(path), "requested")
	_ = hooks.Fire(context.Background(), opts.HookManager, hooks.NewPostIndexRebuildEvent(hooks.IndexRebuildPayload{
		Path: path, Reason: "requested", ScannedFrom: core.SegmentHeaderSize, Entries: idx.Len(),
	}))
	if state == frameCorrupt {
		reportCorrupt(path, end, scanErr, opts, logger)
		return idx, wrapCorrupt(path, scanErr)
	}
	return idx, nil
}
