package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/cursor"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/jonboulle/clockwork"
)

type Stats struct {
	Published uint64
	// Skipped counts records a PrePublish listener rejected.
	Skipped uint64
	// LastTs is the recorded timestamp of the last published record.
	LastTs int64
}

// Status is a snapshot of a controller for status reports.
type Status struct {
	Name   string
	Path   string
	State  State
	Rate   float64
	Follow bool
	Stats
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdSeek
	cmdStop
	cmdRate
	cmdFollow
)

type command struct {
	kind   commandKind
	ts     int64
	rate   float64
	follow bool
	reply  chan error
}

// Controller replays one segment into a publisher. Commands may be issued
// from any goroutine; each is queued to the playback loop, applied between
// two records, and returns once applied. A stopped controller can be started
// again.
type Controller struct {
	name   string
	path   string
	pub    pubsub.Publisher
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	rate    float64
	follow  bool
	running bool
	cmds    chan command
	done    chan struct{}
	err     error

	published, skipped atomic.Uint64
	lastTs             atomic.Int64
}

// New returns a stopped controller that plays the segment at path into pub.
// name identifies the controller in logs, metrics and hook payloads.
func New(name, path string, pub pubsub.Publisher, opts Options) *Controller {
	opts = opts.withDefaults()
	done := make(chan struct{})
	close(done)
	rate := opts.Rate
	if !validRate(rate) {
		rate = 1
	}
	return &Controller{
		name:   name,
		path:   path,
		pub:    pub,
		opts:   opts,
		logger: opts.Logger.With("component", "Playback", "player", name, "segment", path),
		rate:   rate,
		follow: opts.Follow,
		done:   done,
	}
}

// Start opens the segment, positions playback at the first record with
// timestamp >= from and begins publishing. Cancelling ctx stops playback.
func (c *Controller) Start(ctx context.Context, from int64) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return core.ErrAlreadyPlaying
	}
	cur, err := cursor.Open(c.path, c.opts.Cursor)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open playback cursor: %w", err)
	}
	if err := cur.Seek(from); err != nil {
		c.mu.Unlock()
		cur.Close()
		return fmt.Errorf("seek playback cursor: %w", err)
	}
	c.running = true
	c.err = nil
	c.cmds = make(chan command)
	c.done = make(chan struct{})
	cmds, done := c.cmds, c.done
	c.mu.Unlock()

	c.published.Store(0)
	c.skipped.Store(0)
	c.lastTs.Store(0)
	c.setState(Playing)
	if from == FromStart {
		c.logger.Info("Playback started.", "rate", c.Rate(), "follow", c.Follow())
	} else {
		c.logger.Info("Playback started.", "from", time.Unix(0, from).UTC(), "rate", c.Rate(), "follow", c.Follow())
	}
	go c.run(ctx, cur, cmds, done)
	return nil
}

func (c *Controller) Pause() error  { return c.send(command{kind: cmdPause}) }
func (c *Controller) Resume() error { return c.send(command{kind: cmdResume}) }

// Seek moves playback to the first record with timestamp >= ts, forwards or
// backwards. A paused controller stays paused.
func (c *Controller) Seek(ts int64) error { return c.send(command{kind: cmdSeek, ts: ts}) }

// Stop ends playback and releases the segment.
func (c *Controller) Stop() error { return c.send(command{kind: cmdStop}) }

// SetRate changes the playback rate. The delay to the next record is
// recomputed from the current position at once.
func (c *Controller) SetRate(rate float64) error {
	if !validRate(rate) {
		return fmt.Errorf("%w: %v", core.ErrInvalidRate, rate)
	}
	if c.configureIfIdle(func() { c.rate = rate }) {
		return nil
	}
	return c.send(command{kind: cmdRate, rate: rate})
}

func (c *Controller) SetFollow(follow bool) error {
	if c.configureIfIdle(func() { c.follow = follow }) {
		return nil
	}
	return c.send(command{kind: cmdFollow, follow: follow})
}

// configureIfIdle applies set directly when no playback loop is running.
func (c *Controller) configureIfIdle(set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	set()
	return true
}

func (c *Controller) send(cmd command) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return core.ErrNotPlaying
	}
	cmds, done := c.cmds, c.done
	c.mu.Unlock()

	cmd.reply = make(chan error, 1)
	select {
	case cmds <- cmd:
	case <-done:
		return core.ErrNotPlaying
	}
	// The loop answers every command it receives before it exits.
	return <-cmd.reply
}

func (c *Controller) Name() string { return c.name }
func (c *Controller) Path() string { return c.path }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *Controller) Follow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.follow
}

// Done is closed when the current playback ends.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last playback ended: a publish failure or the
// corruption that ended the readable data. It is nil after a normal end.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Stats() Stats {
	return Stats{
		Published: c.published.Load(),
		Skipped:   c.skipped.Load(),
		LastTs:    c.lastTs.Load(),
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{Name: c.name, Path: c.path, State: c.state, Rate: c.rate, Follow: c.follow}
	c.mu.Unlock()
	st.Stats = c.Stats()
	return st
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Debug("Playback state changed.", "from", from, "to", to)
	c.opts.Metrics.SetPlaybackState(c.name, int(to))
	_ = hooks.Fire(context.Background(), c.opts.HookManager, hooks.NewOnPlaybackStateChangeEvent(hooks.PlaybackStatePayload{
		Player:   c.name,
		From:     from.String(),
		To:       to.String(),
		Position: c.lastTs.Load(),
	}))
}

// loop is the state owned by the playback goroutine.
type loop struct {
	c       *Controller
	ctx     context.Context
	cur     *cursor.Cursor
	done    chan struct{}
	pacer   pacer
	timer   clockwork.Timer
	pending *core.Record
}

func (c *Controller) run(ctx context.Context, cur *cursor.Cursor, cmds <-chan command, done chan struct{}) {
	l := &loop{c: c, ctx: ctx, cur: cur, done: done, pacer: pacer{rate: c.Rate()}}
	clock := c.opts.Clock
	for {
		if c.State() == Paused {
			select {
			case cmd := <-cmds:
				if l.apply(cmd) {
					return
				}
			case <-ctx.Done():
				l.finish(nil)
				return
			}
			continue
		}

		if l.pending == nil {
			rec, ok := cur.Next()
			if !ok {
				if err := cur.Err(); err != nil {
					c.logger.Warn("Playback reached the end of readable data.", "recovered_records", cur.Recovered(), "error", err)
					l.finish(err)
					return
				}
				if !c.Follow() {
					l.finish(nil)
					return
				}
				// Live data resumes with fresh pacing.
				l.pacer.reset()
				select {
				case <-l.wait(c.opts.PollInterval):
				case cmd := <-cmds:
					l.stopTimer()
					if l.apply(cmd) {
						return
					}
				case <-ctx.Done():
					l.stopTimer()
					l.finish(nil)
					return
				}
				continue
			}
			l.pending = &rec
		}

		if d := l.pacer.delay(l.pending.Timestamp, clock.Now()); d > 0 {
			select {
			case <-l.wait(d):
			case cmd := <-cmds:
				l.stopTimer()
				if l.apply(cmd) {
					return
				}
				continue
			case <-ctx.Done():
				l.stopTimer()
				l.finish(nil)
				return
			}
		} else {
			select {
			case cmd := <-cmds:
				if l.apply(cmd) {
					return
				}
				continue
			case <-ctx.Done():
				l.finish(nil)
				return
			default:
			}
		}

		rec := *l.pending
		l.pending = nil
		if err := l.publish(rec); err != nil {
			if ctx.Err() != nil {
				l.finish(nil)
			} else {
				l.finish(err)
			}
			return
		}
	}
}

func (l *loop) publish(rec core.Record) error {
	c := l.c
	if err := hooks.Fire(l.ctx, c.opts.HookManager, hooks.NewPrePublishEvent(hooks.PrePublishPayload{Player: c.name, Record: &rec})); err != nil {
		c.skipped.Add(1)
		c.logger.Debug("Record skipped by PrePublish hook.", "path", rec.Path, "ts", rec.Timestamp, "error", err)
		return nil
	}
	if err := c.pub.Publish(l.ctx, rec.Path, rec.Value); err != nil {
		return fmt.Errorf("publish %s: %w", rec.Path, err)
	}
	c.published.Add(1)
	c.lastTs.Store(rec.Timestamp)
	c.opts.Metrics.ObservePublish(c.name, rec.Timestamp)
	return nil
}

// apply runs cmd between two records and reports whether playback ended.
func (l *loop) apply(cmd command) bool {
	c := l.c
	now := c.opts.Clock.Now()
	var err error
	switch cmd.kind {
	case cmdPause:
		if c.State() != Playing {
			err = core.ErrNotPlaying
			break
		}
		l.pacer.freeze(now)
		c.setState(Paused)
	case cmdResume:
		if c.State() != Paused {
			err = core.ErrNotPlaying
			break
		}
		l.pacer.thaw(now)
		c.setState(Playing)
	case cmdSeek:
		prior := c.State()
		c.setState(Seeking)
		err = l.cur.Seek(cmd.ts)
		l.pending = nil
		l.pacer.reset()
		c.logger.Debug("Playback repositioned.", "ts", cmd.ts)
		c.setState(prior)
	case cmdRate:
		l.pacer.setRate(cmd.rate, now)
		c.mu.Lock()
		c.rate = cmd.rate
		c.mu.Unlock()
	case cmdFollow:
		c.mu.Lock()
		c.follow = cmd.follow
		c.mu.Unlock()
	case cmdStop:
		l.release(nil)
		cmd.reply <- nil
		close(l.done)
		return true
	}
	cmd.reply <- err
	return false
}

func (l *loop) finish(err error) {
	l.release(err)
	close(l.done)
}

// release moves the controller to Stopped and frees the cursor. The
// controller only accepts a new Start once running is cleared.
func (l *loop) release(err error) {
	c := l.c
	c.setState(Stopped)
	if cerr := l.cur.Close(); cerr != nil {
		c.logger.Warn("Failed to close playback cursor.", "error", cerr)
	}
	c.mu.Lock()
	c.err = err
	c.running = false
	c.mu.Unlock()
	st := c.Stats()
	if err != nil {
		c.logger.Error("Playback stopped.", "published", st.Published, "error", err)
		return
	}
	c.logger.Info("Playback stopped.", "published", st.Published, "skipped", st.Skipped)
}

func (l *loop) wait(d time.Duration) <-chan time.Time {
	if l.timer == nil {
		l.timer = l.c.opts.Clock.NewTimer(d)
	} else {
		l.timer.Reset(d)
	}
	return l.timer.Chan()
}

func (l *loop) stopTimer() {
	if l.timer != nil && !l.timer.Stop() {
		select {
		case <-l.timer.Chan():
		default:
		}
	}
}
