package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/timeindex"
)

const (
	rebuildMissing  = "missing"
	rebuildCorrupt  = "corrupt"
	rebuildSession  = "session_mismatch"
	rebuildStale    = "stale"
	rebuildNoReason = ""
)

type recovered struct {
	index  *timeindex.Index
	end    int64      // offset past the last valid frame
	state  frameState // why the scan stopped
	err    error      // corruption found by the scan, if any
	reason string     // why the sidecar was not fully trusted
}

// recoverIndex loads the sidecar for path when it matches the segment and
// completes it by scanning frames past its last entry. Entries that point
// beyond the file are discarded. A missing or bad sidecar only costs a full
// scan; it never hides committed frames.
func recoverIndex(r io.ReaderAt, path string, size int64, header core.SegmentHeader, opts Options, logger *slog.Logger) recovered {
	idxOpts := timeindex.Options{Tracer: opts.Tracer, Logger: opts.Logger}
	idx, meta, err := timeindex.Load(core.IndexPath(path), idxOpts)

	reason := rebuildNoReason
	switch {
	case errors.Is(err, core.ErrIndexMissing):
		reason = rebuildMissing
	case err != nil:
		logger.Warn("Time index unreadable, rebuilding from segment.", "path", path, "error", err)
		reason = rebuildCorrupt
	case meta.SessionID != header.SessionID:
		logger.Warn("Time index belongs to another session, rebuilding.", "path", path, "index_session", meta.SessionID, "segment_session", header.SessionID)
		reason = rebuildSession
	case meta.CoveredEnd > size:
		logger.Warn("Segment is shorter than its time index covers, rebuilding.", "path", path, "covered_end", meta.CoveredEnd, "file_size", size)
		reason = rebuildStale
	}
	if reason != rebuildNoReason {
		idx = timeindex.New(idxOpts)
	} else if dropped := idx.TruncateFrom(size); dropped > 0 {
		logger.Warn("Time index referenced data past end of file.", "path", path, "dropped_entries", dropped, "file_size", size)
	}

	from := idx.End()
	if from < core.SegmentHeaderSize {
		from = core.SegmentHeaderSize
	}
	before := idx.Len()
	end, state, scanErr := scanFrames(r, from, size, idx.Append)
	if reason == rebuildNoReason && idx.Len() > before {
		reason = rebuildStale
	}
	if reason != rebuildNoReason {
		logger.Info("Time index rebuilt.", "path", path, "reason", reason, "scanned_from", from, "entries", idx.Len(), "committed_end", end)
		opts.Metrics.ObserveIndexRebuild(core.SegmentName(path), reason)
		_ = hooks.Fire(context.Background(), opts.HookManager, hooks.NewPostIndexRebuildEvent(hooks.IndexRebuildPayload{
			Path: path, Reason: reason, ScannedFrom: from, Entries: idx.Len(),
		}))
	}
	if state == frameCorrupt {
		reportCorrupt(path, end, scanErr, opts, logger)
	}
	return recovered{index: idx, end: end, state: state, err: scanErr, reason: reason}
}

func reportCorrupt(path string, off int64, err error, opts Options, logger *slog.Logger) {
	logger.Error("Corrupt batch frame; data beyond it is unreadable.", "path", path, "offset", off, "error", err)
	opts.Metrics.ObserveCorruptBatch(core.SegmentName(path))
	_ = hooks.Fire(context.Background(), opts.HookManager, hooks.NewOnCorruptBatchEvent(hooks.CorruptBatchPayload{
		Path: path, Offset: off, Error: err,
	}))
}

func wrapCorrupt(path string, err error) error {
	return fmt.Errorf("segment %s: %w", path, err)
}
