package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/INLOpen/nexusarchive/segment"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Stats are running totals for one recording.
type Stats struct {
	Records  uint64
	Batches  uint64
	Bytes    uint64 // frame bytes appended
	Retries  uint64
	Clamped  uint64
	Vetoed   uint64
	LastTs   int64
	Duration time.Duration
}

// Recording is a running capture into one segment. It owns the segment
// writer from Start until it ends, and then closes it.
type Recording struct {
	w        *segment.Writer
	sub      pubsub.Subscriber
	patterns []string
	opts     Options
	logger   *slog.Logger
	name     string

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}
	err      error // set before done is closed
	started  time.Time

	records, batches, bytes, retries, clamped, vetoed atomic.Uint64
	lastTs                                            atomic.Int64
}

// sealed is a batch handed from the ingest loop to the appender. ready is
// closed once enc or encErr is set by a compression worker.
type sealed struct {
	batch  *core.Batch
	enc    *segment.EncodedBatch
	encErr error
	ready  chan struct{}
}

// Start subscribes to patterns on sub and records every matching update
// into w until Stop is called, ctx is cancelled, the subscription ends, or
// appending fails. Cancelling ctx stops the recording like Stop does.
// Overlapping patterns deliver an update once.
func Start(ctx context.Context, w *segment.Writer, sub pubsub.Subscriber, patterns []string, opts Options) (*Recording, error) {
	opts = opts.withDefaults()
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	r := &Recording{
		w:        w,
		sub:      sub,
		patterns: append([]string(nil), patterns...),
		opts:     opts,
		logger:   opts.Logger.With("component", "Recorder", "segment", w.Path(), "session", w.SessionID()),
		name:     core.SegmentName(w.Path()),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		started:  opts.Clock.Now(),
	}
	if last, ok := w.Index().Last(); ok {
		r.lastTs.Store(last.MaxTs)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	updates, err := sub.Subscribe(subCtx, pubsub.CombinePatterns(r.patterns))
	if err != nil {
		subCancel()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", r.patterns, err)
	}

	g, gctx := errgroup.WithContext(context.Background())
	queue := make(chan *sealed, 2*opts.CompressionWorkers)
	g.Go(func() error {
		defer close(queue)
		return r.ingest(gctx, updates, subCancel, queue)
	})
	g.Go(func() error {
		return r.appendLoop(queue)
	})

	go func() {
		select {
		case <-ctx.Done():
			r.stopOnce.Do(func() { close(r.stopCh) })
		case <-r.done:
		}
	}()
	go func() {
		err := g.Wait()
		subCancel()
		if cerr := w.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		r.finish(err)
	}()

	opts.Metrics.RecordingStarted()
	_ = hooks.Fire(ctx, opts.HookManager, hooks.NewPostRecordingStartEvent(hooks.RecordingPayload{
		Path: w.Path(), SessionID: w.SessionID(), Patterns: r.patterns,
	}))
	r.logger.Info("Recording started.", "patterns", r.patterns)
	return r, nil
}

func (r *Recording) finish(err error) {
	r.err = err
	s := r.Stats()
	r.opts.Metrics.RecordingStopped()
	_ = hooks.Fire(context.Background(), r.opts.HookManager, hooks.NewPostRecordingStopEvent(hooks.RecordingPayload{
		Path: r.w.Path(), SessionID: r.w.SessionID(), Patterns: r.patterns,
		Records: s.Records, Batches: s.Batches, Error: err,
	}))
	if err != nil {
		r.logger.Error("Recording failed.", "records", s.Records, "batches", s.Batches, "error", err)
	} else {
		r.logger.Info("Recording stopped.", "records", s.Records, "batches", s.Batches, "bytes", s.Bytes)
	}
	close(r.done)
}

// Stop ends the recording: updates already delivered by the subscription are
// recorded, the partial batch is appended, everything is flushed and the
// segment lock is released. It returns the recording's failure, if any. A
// second call returns ErrNotRecording.
func (r *Recording) Stop() error {
	if r.stopped.Swap(true) {
		return core.ErrNotRecording
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
	return r.err
}

// Done is closed when the recording has ended for any reason.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Err returns the failure that ended the recording, or nil while it runs or
// after a clean stop.
func (r *Recording) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Recording) Path() string              { return r.w.Path() }
func (r *Recording) SessionID() core.SessionID { return r.w.SessionID() }
func (r *Recording) Patterns() []string        { return r.patterns }

func (r *Recording) Stats() Stats {
	return Stats{
		Records:  r.records.Load(),
		Batches:  r.batches.Load(),
		Bytes:    r.bytes.Load(),
		Retries:  r.retries.Load(),
		Clamped:  r.clamped.Load(),
		Vetoed:   r.vetoed.Load(),
		LastTs:   r.lastTs.Load(),
		Duration: r.opts.Clock.Since(r.started),
	}
}

// batchBuilder accumulates records for the open batch.
type batchBuilder struct {
	records []core.Record
	bytes   int
}

func (b *batchBuilder) minTs() int64 { return b.records[0].Timestamp }

// ingest buffers updates into batches and hands sealed batches to the
// compression pool and, in order, to the appender.
func (r *Recording) ingest(ctx context.Context, updates <-chan pubsub.Update, unsubscribe context.CancelFunc, queue chan<- *sealed) error {
	pool := new(errgroup.Group)
	pool.SetLimit(r.opts.CompressionWorkers)
	defer pool.Wait()

	var (
		cur     batchBuilder
		full    bool
		timer   clockwork.Timer
		timerOn = false
		stopCh  = r.stopCh
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	seal := func() error {
		if len(cur.records) == 0 {
			return nil
		}
		if timerOn {
			timer.Stop()
			timerOn = false
		}
		s := &sealed{batch: &core.Batch{Records: cur.records}, ready: make(chan struct{})}
		cur = batchBuilder{records: make([]core.Record, 0, len(s.batch.Records))}
		full = false
		pool.Go(func() error {
			defer close(s.ready)
			s.enc, s.encErr = segment.EncodeBatch(s.batch, r.w.Compressor())
			return nil
		})
		select {
		case queue <- s:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	for {
		var timerC <-chan time.Time
		if timerOn {
			timerC = timer.Chan()
		}
		select {
		case <-ctx.Done():
			// The appender failed; it reports why.
			unsubscribe()
			return nil

		case <-stopCh:
			// Keep draining: the channel closes once the unsubscribe lands,
			// and everything delivered before that is recorded.
			stopCh = nil
			unsubscribe()

		case <-timerC:
			timerOn = false
			if err := seal(); err != nil {
				return err
			}

		case u, ok := <-updates:
			if !ok {
				if stopCh != nil {
					r.logger.Info("Subscription ended; stopping recording.")
				}
				return seal()
			}
			rec, keep := r.accept(ctx, u)
			if !keep {
				continue
			}
			if full && rec.Timestamp != cur.minTs() {
				if err := seal(); err != nil {
					return err
				}
			}
			if len(cur.records) == 0 {
				if timer == nil {
					timer = r.opts.Clock.NewTimer(r.opts.MaxBatchDelay)
				} else {
					timer.Reset(r.opts.MaxBatchDelay)
				}
				timerOn = true
			}
			cur.records = append(cur.records, rec)
			cur.bytes += rec.EncodedSize()
			r.opts.Metrics.ObserveRecord(r.name)

			if len(cur.records) >= r.opts.MaxBatchRecords || cur.bytes >= r.opts.MaxBatchBytes {
				switch {
				case rec.Timestamp != cur.minTs():
					if err := seal(); err != nil {
						return err
					}
				case len(cur.records) >= hardCapFactor*r.opts.MaxBatchRecords:
					if err := seal(); err != nil {
						return err
					}
				default:
					// Every record so far shares one timestamp; wait for a
					// later one so the next batch starts after this one.
					full = true
				}
			}
		}
	}
}

// accept turns an update into a record: it runs the PreRecord hook, which
// may veto or rewrite it, and clamps timestamps that go backwards.
func (r *Recording) accept(ctx context.Context, u pubsub.Update) (core.Record, bool) {
	rec := core.Record{Path: u.Path, Timestamp: u.Timestamp, Value: u.Value, SessionID: r.w.SessionID()}
	if err := hooks.Fire(ctx, r.opts.HookManager, hooks.NewPreRecordEvent(hooks.PreRecordPayload{Record: &rec})); err != nil {
		r.vetoed.Add(1)
		r.logger.Debug("Record vetoed by hook.", "path", rec.Path, "error", err)
		return rec, false
	}
	if last := r.lastTs.Load(); rec.Timestamp < last {
		r.logger.Debug("Clamping timestamp that went backwards.", "path", rec.Path, "timestamp", rec.Timestamp, "clamped_to", last)
		_ = hooks.Fire(ctx, r.opts.HookManager, hooks.NewOnTimestampClampedEvent(hooks.TimestampClampedPayload{
			Path: rec.Path, Original: rec.Timestamp, Clamped: last,
		}))
		r.opts.Metrics.ObserveClamp(r.name)
		r.clamped.Add(1)
		rec.Timestamp = last
	}
	r.lastTs.Store(rec.Timestamp)
	r.records.Add(1)
	return rec, true
}

// appendLoop appends sealed batches in order and flushes on the flush
// interval. Returning an error fails the recording.
func (r *Recording) appendLoop(queue <-chan *sealed) error {
	ticker := r.opts.Clock.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-queue:
			if !ok {
				return r.flush()
			}
			<-s.ready
			if s.encErr != nil {
				return core.RecordingFailed(fmt.Errorf("failed to encode batch of %d records: %w", s.batch.Len(), s.encErr))
			}
			if err := r.appendWithRetry(s.enc); err != nil {
				return err
			}
		case <-ticker.Chan():
			if err := r.flush(); err != nil {
				// Appended batches stay committed; the next flush tries again.
				r.logger.Warn("Periodic flush failed.", "error", err)
			}
		}
	}
}

func (r *Recording) appendWithRetry(enc *segment.EncodedBatch) error {
	op := func() error {
		_, err := r.w.AppendEncoded(enc)
		if errors.Is(err, core.ErrOutOfOrder) || errors.Is(err, core.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.retries.Add(1)
		r.opts.Metrics.ObserveRetry(r.name)
		r.logger.Warn("Batch append failed; retrying.", "records", enc.Records(), "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotifyWithTimer(op, r.newBackOff(), notify, &clockTimer{clock: r.opts.Clock}); err != nil {
		return core.RecordingFailed(fmt.Errorf("append of %d records (ts %d..%d) failed after %d retries: %w",
			enc.Records(), enc.MinTs(), enc.MaxTs(), r.opts.MaxAppendRetries, err))
	}
	r.batches.Add(1)
	r.bytes.Add(uint64(enc.FrameLen()))
	return nil
}

func (r *Recording) flush() error {
	return r.w.Flush()
}
