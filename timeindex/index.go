// Package timeindex maps timestamps to batch offsets in a segment.
package timeindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusarchive/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Entry describes one committed batch frame.
type Entry struct {
	MinTs   int64
	MaxTs   int64
	Offset  int64  // Offset of the frame in the segment file
	Length  uint32 // Length of the whole frame including checksum and commit marker
	Records uint32
}

// End returns the offset just past the frame.
func (e Entry) End() int64 {
	return e.Offset + int64(e.Length)
}

// Contains reports whether ts falls within the batch's timestamp range.
func (e Entry) Contains(ts int64) bool {
	return e.MinTs <= ts && ts <= e.MaxTs
}

type Options struct {
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Index is the in-memory, sorted list of batch entries for one segment.
// A writer appends while readers look up concurrently.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
	tracer  trace.Tracer
	logger  *slog.Logger
}

func New(opts Options) *Index {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		tracer: opts.Tracer,
		logger: logger.With("component", "TimeIndex"),
	}
}

// Append adds the entry for a newly committed batch. Entries must arrive in
// file order and in timestamp order.
func (idx *Index) Append(e Entry) error {
	if e.MinTs > e.MaxTs {
		return fmt.Errorf("%w: entry min %d > max %d", core.ErrOutOfOrder, e.MinTs, e.MaxTs)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if n := len(idx.entries); n > 0 {
		last := idx.entries[n-1]
		if e.Offset < last.End() {
			return fmt.Errorf("%w: entry offset %d overlaps previous frame ending at %d", core.ErrOutOfOrder, e.Offset, last.End())
		}
		if e.MinTs < last.MaxTs {
			return fmt.Errorf("%w: batch min %d precedes previous max %d", core.ErrOutOfOrder, e.MinTs, last.MaxTs)
		}
	}
	idx.entries = append(idx.entries, e)
	return nil
}

// Floor returns the position of the last entry whose MinTs <= ts, or the first
// entry when ts precedes all data. ok is false only for an empty index.
func (idx *Index) Floor(ts int64) (pos int, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.floorLocked(ts)
}

func (idx *Index) floorLocked(ts int64) (int, bool) {
	if len(idx.entries) == 0 {
		return 0, false
	}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].MinTs > ts
	})
	if i == 0 {
		return 0, true
	}
	return i - 1, true
}

// Lookup returns the earliest entry that can hold the first record at or after
// ts. It starts from the floor entry and walks back while the previous batch
// still ends at or after ts, which happens when a run of identical timestamps
// spans a batch boundary.
func (idx *Index) Lookup(ts int64) (Entry, int, bool) {
	var span trace.Span
	if idx.tracer != nil {
		_, span = idx.tracer.Start(context.Background(), "TimeIndex.Lookup")
		span.SetAttributes(attribute.Int64("timeindex.ts", ts))
		defer span.End()
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.floorLocked(ts)
	if !ok {
		return Entry{}, 0, false
	}
	for pos > 0 && idx.entries[pos-1].MaxTs >= ts {
		pos--
	}
	if span != nil {
		span.SetAttributes(attribute.Int("timeindex.pos", pos), attribute.Int64("timeindex.offset", idx.entries[pos].Offset))
	}
	return idx.entries[pos], pos, true
}

func (idx *Index) At(pos int) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if pos < 0 || pos >= len(idx.entries) {
		return Entry{}, false
	}
	return idx.entries[pos], true
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) Last() (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return Entry{}, false
	}
	return idx.entries[len(idx.entries)-1], true
}

// End returns the offset just past the last indexed frame, or 0 if empty.
func (idx *Index) End() int64 {
	if last, ok := idx.Last(); ok {
		return last.End()
	}
	return 0
}

// Entries returns a copy of all entries.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// PosOf returns the position of the entry starting at offset.
func (idx *Index) PosOf(offset int64) (int, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset >= offset
	})
	if i < len(idx.entries) && idx.entries[i].Offset == offset {
		return i, true
	}
	return 0, false
}

// TruncateFrom drops every entry whose frame does not end at or before limit.
// It returns the number of entries dropped.
func (idx *Index) TruncateFrom(limit int64) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].End() > limit
	})
	dropped := len(idx.entries) - i
	if dropped > 0 {
		idx.logger.Debug("Dropping index entries past limit.", "limit", limit, "dropped", dropped)
	}
	idx.entries = idx.entries[:i]
	return dropped
}
