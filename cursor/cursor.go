// Package cursor steps through the records of a segment in timestamp order,
// forwards and backwards, and follows a segment that is still being written.
package cursor

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusarchive/cache"
	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/segment"
)

const DefaultBatchCacheSize = 4

var (
	cacheMetricsOnce sync.Once
	cacheHits        *expvar.Int
	cacheMisses      *expvar.Int
)

// batchCacheMetrics returns the process-wide hit and miss counters shared by
// every cursor's batch cache.
func batchCacheMetrics() (hits, misses *expvar.Int) {
	cacheMetricsOnce.Do(func() {
		cacheHits = expvar.NewInt("archive_cursor_batch_cache_hits")
		cacheMisses = expvar.NewInt("archive_cursor_batch_cache_misses")
	})
	return cacheHits, cacheMisses
}

type Options struct {
	// BatchCacheSize is how many decoded batches are kept for stepping back and
	// forth. Zero uses DefaultBatchCacheSize; negative disables the cache.
	BatchCacheSize int
	Logger         *slog.Logger
	// Segment is used by Open.
	Segment segment.Options
}

// Position identifies the gap before a record: Next returns the record at
// (Batch, Record) and Prev the one before it. Batch == number of batches is
// the end of the data.
type Position struct {
	Batch  int
	Record int
}

// Cursor is a bidirectional iterator over one segment. It is not safe for
// concurrent use; open one cursor per goroutine.
type Cursor struct {
	reader   *segment.Reader
	owned    bool
	cache    *cache.LRU[int64, *core.Batch]
	logger   *slog.Logger
	pos      Position
	err      error
	errPos   int // batch position of the corruption boundary
	closed   bool
	minTs    int64 // pending seek target, applied to the next forward step
	hasMinTs bool
}

// Open opens the segment at path read-only and returns a cursor positioned at
// its first record.
func Open(path string, opts Options) (*Cursor, error) {
	if opts.Segment.Logger == nil {
		opts.Segment.Logger = opts.Logger
	}
	r, err := segment.OpenRead(path, opts.Segment)
	if err != nil {
		return nil, err
	}
	c := New(r, opts)
	c.owned = true
	return c, nil
}

// New returns a cursor over r positioned at its first record. The caller keeps
// ownership of r.
func New(r *segment.Reader, opts Options) *Cursor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.BatchCacheSize
	if size == 0 {
		size = DefaultBatchCacheSize
	}
	c := &Cursor{
		reader: r,
		cache:  cache.New[int64, *core.Batch](size, nil),
		logger: logger.With("component", "Cursor", "segment", r.Path()),
	}
	c.cache.SetMetrics(batchCacheMetrics())
	if err := r.Err(); err != nil {
		c.fail(err, r.Index().Len())
	}
	return c
}

// Next returns the record after the cursor and advances past it. At the end of
// the data it checks the segment for newly committed batches first, so a
// cursor on a live segment follows it. ok is false at end of data, at a
// corruption boundary, and once closed.
func (c *Cursor) Next() (core.Record, bool) {
	for {
		if c.closed || (c.err != nil && c.pos.Batch >= c.errPos) {
			return core.Record{}, false
		}
		if c.pos.Batch >= c.reader.Index().Len() && (c.err != nil || !c.refresh()) {
			return core.Record{}, false
		}
		b, ok := c.batch(c.pos.Batch)
		if !ok {
			return core.Record{}, false
		}
		if c.pos.Record >= len(b.Records) {
			c.pos = Position{Batch: c.pos.Batch + 1}
			continue
		}
		rec := b.Records[c.pos.Record]
		c.pos.Record++
		if c.hasMinTs {
			if rec.Timestamp < c.minTs {
				continue
			}
			c.hasMinTs = false
		}
		return rec, true
	}
}

// Prev returns the record before the cursor and moves back over it. Records
// before a corruption boundary stay reachable.
func (c *Cursor) Prev() (core.Record, bool) {
	if c.closed {
		return core.Record{}, false
	}
	c.hasMinTs = false
	if c.pos.Record == 0 {
		if c.pos.Batch == 0 {
			return core.Record{}, false
		}
		if n := c.reader.Index().Len(); c.pos.Batch > n {
			c.pos.Batch = n
		}
		b, ok := c.batch(c.pos.Batch - 1)
		if !ok {
			return core.Record{}, false
		}
		c.pos = Position{Batch: c.pos.Batch - 1, Record: len(b.Records) - 1}
		return b.Records[c.pos.Record], true
	}
	b, ok := c.batch(c.pos.Batch)
	if !ok {
		return core.Record{}, false
	}
	c.pos.Record--
	return b.Records[c.pos.Record], true
}

// Seek positions the cursor before the first record with timestamp >= ts.
// Before all data that is the first record; past all data the cursor is at the
// end and Next returns nothing until records at or after ts are committed.
func (c *Cursor) Seek(ts int64) error {
	if c.closed {
		return core.ErrClosed
	}
	if c.err == nil {
		c.refresh()
	}
	c.minTs, c.hasMinTs = ts, true
	_, pos, ok := c.reader.Index().Lookup(ts)
	if !ok {
		c.pos = Position{}
		return nil
	}
	b, ok := c.batch(pos)
	if !ok {
		c.pos = Position{Batch: pos}
		return nil
	}
	i := sort.Search(len(b.Records), func(i int) bool {
		return b.Records[i].Timestamp >= ts
	})
	c.pos = Position{Batch: pos, Record: i}
	return nil
}

// SeekStart positions the cursor before the first record.
func (c *Cursor) SeekStart() {
	c.pos = Position{}
	c.hasMinTs = false
}

// SeekEnd positions the cursor after the last committed record.
func (c *Cursor) SeekEnd() {
	if c.err == nil {
		c.refresh()
	}
	c.pos = Position{Batch: c.reader.Index().Len()}
	c.hasMinTs = false
}

func (c *Cursor) Position() Position { return c.pos }

// Err returns the corruption or I/O error that ended the readable data.
func (c *Cursor) Err() error { return c.err }

// Recovered returns the number of records that precede the corruption
// boundary, or every indexed record when there is none.
func (c *Cursor) Recovered() int {
	limit := c.reader.Index().Len()
	if c.err != nil {
		limit = c.errPos
	}
	n := 0
	for i, e := range c.reader.Index().Entries() {
		if i >= limit {
			break
		}
		n += int(e.Records)
	}
	return n
}

// Reader returns the underlying segment reader.
func (c *Cursor) Reader() *segment.Reader { return c.reader }

// Close releases the cursor, and the segment reader when Open created it.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cache.Clear()
	if c.owned {
		return c.reader.Close()
	}
	return nil
}

// refresh looks for newly committed batches and reports whether the cursor
// now has data ahead of it.
func (c *Cursor) refresh() bool {
	added, err := c.reader.Refresh()
	if err != nil {
		c.fail(err, c.reader.Index().Len())
		return false
	}
	if added > 0 {
		c.logger.Debug("Observed new batches.", "added", added)
	}
	return c.pos.Batch < c.reader.Index().Len()
}

func (c *Cursor) batch(pos int) (*core.Batch, bool) {
	e, ok := c.reader.Index().At(pos)
	if !ok {
		return nil, false
	}
	if b, ok := c.cache.Get(e.Offset); ok {
		return b, true
	}
	b, err := c.reader.ReadBatch(e.Offset)
	if err != nil {
		c.fail(err, pos)
		return nil, false
	}
	c.cache.Put(e.Offset, b)
	return b, true
}

func (c *Cursor) fail(err error, pos int) {
	if c.err != nil {
		return
	}
	c.err = err
	c.errPos = pos
	switch {
	case errors.Is(err, core.ErrCorruptBatch):
		c.logger.Error("Stopped at corrupt batch.", "batch", pos, "recovered_records", c.Recovered(), "error", err)
	case errors.Is(err, core.ErrSegmentReplaced):
		c.logger.Warn("Segment was replaced under the cursor.", "error", err)
	default:
		c.logger.Error("Cursor read failed.", "batch", pos, "error", fmt.Errorf("read segment: %w", err))
	}
}
