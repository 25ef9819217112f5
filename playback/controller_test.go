package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/hooks"
	"github.com/INLOpen/nexusarchive/metrics"
	"github.com/INLOpen/nexusarchive/segment"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const sec = int64(time.Second)

// collector is a publisher that records what it receives and when, by the
// controller's clock.
type collector struct {
	clock clockwork.Clock
	mu    sync.Mutex
	recs  []published
	fail  error
}

type published struct {
	path  string
	value core.Value
	at    time.Time
}

func (c *collector) Publish(ctx context.Context, path string, v core.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.recs = append(c.recs, published{path: path, value: v, at: c.clock.Now()})
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func (c *collector) values(t *testing.T) []int64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.recs))
	for i, r := range c.recs {
		v, ok := r.value.Int64()
		require.True(t, ok)
		out[i] = v
	}
	return out
}

func (c *collector) times() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.at
	}
	return out
}

// writeSegment writes one record per timestamp, one batch per record, with
// values counting up from 0. The writer is returned open.
func writeSegment(t *testing.T, tss ...int64) (*segment.Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "play"+core.SegmentFileSuffix)
	w, err := segment.Create(path, core.NewSessionID(), segment.Options{Logger: discard})
	require.NoError(t, err)
	appendRecords(t, w, 0, tss...)
	return w, path
}

func appendRecords(t *testing.T, w *segment.Writer, first int64, tss ...int64) {
	t.Helper()
	for i, ts := range tss {
		_, err := w.Append(&core.Batch{Records: []core.Record{{Path: "/p", Timestamp: ts, Value: core.I64(first + int64(i))}}})
		require.NoError(t, err)
	}
}

func closedSegment(t *testing.T, tss ...int64) string {
	t.Helper()
	w, path := writeSegment(t, tss...)
	require.NoError(t, w.Close())
	return path
}

func newController(t *testing.T, path string, clock clockwork.Clock, rate float64) (*Controller, *collector) {
	t.Helper()
	pub := &collector{clock: clock}
	c := New("test", path, pub, Options{Rate: rate, Clock: clock, Logger: discard})
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	return c, pub
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not finish")
	}
}

// drive advances clock in steps whenever the controller waits on it, until
// playback ends.
func drive(t *testing.T, clock *clockwork.FakeClock, c *Controller, step time.Duration) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-c.Done():
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		if clock.BlockUntilContext(ctx, 1) == nil {
			clock.Advance(step)
		}
		cancel()
	}
	t.Fatal("playback did not finish")
}

func TestController_PacesByRate(t *testing.T) {
	path := closedSegment(t, 0, 1*sec, 3*sec, 6*sec)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 2)

	require.NoError(t, c.Start(context.Background(), FromStart))
	drive(t, clock, c, 10*time.Millisecond)

	require.NoError(t, c.Err())
	assert.Equal(t, []int64{0, 1, 2, 3}, pub.values(t))
	times := pub.times()
	assert.Equal(t, 500*time.Millisecond, times[1].Sub(times[0]))
	assert.Equal(t, time.Second, times[2].Sub(times[1]))
	assert.Equal(t, 1500*time.Millisecond, times[3].Sub(times[2]))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, Stats{Published: 4, LastTs: 6 * sec}, c.Stats())
}

func TestController_RateZeroIsAsFastAsPossible(t *testing.T) {
	path := closedSegment(t, 0, time.Hour.Nanoseconds(), 2*time.Hour.Nanoseconds())
	clock := clockwork.NewFakeClock()
	start := clock.Now()
	c, pub := newController(t, path, clock, 0)

	require.NoError(t, c.Start(context.Background(), FromStart))
	waitDone(t, c)

	assert.Equal(t, []int64{0, 1, 2}, pub.values(t))
	for _, at := range pub.times() {
		assert.Equal(t, start, at, "no waiting on the clock")
	}
}

func TestController_StartFrom(t *testing.T) {
	path := closedSegment(t, 10, 20, 30, 40)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 0)

	require.NoError(t, c.Start(context.Background(), 25))
	waitDone(t, c)
	assert.Equal(t, []int64{2, 3}, pub.values(t))

	require.NoError(t, c.Start(context.Background(), 1000), "a stopped controller can be restarted")
	waitDone(t, c)
	assert.Equal(t, []int64{2, 3}, pub.values(t), "nothing at or after the start position")
}

func TestController_PauseSeekResume(t *testing.T) {
	path := closedSegment(t, 0, 10*sec, 20*sec, 30*sec, 40*sec)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 1)

	var mu sync.Mutex
	var transitions []string
	hm := hooks.NewHookManager(discard)
	hm.Register(hooks.EventOnPlaybackStateChange, hookFunc(func(ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.PlaybackStatePayload)
		mu.Lock()
		transitions = append(transitions, p.From+">"+p.To)
		mu.Unlock()
		return nil
	}))
	c.opts.HookManager = hm

	require.NoError(t, c.Start(context.Background(), FromStart))
	require.Eventually(t, func() bool { return pub.len() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Pause())
	assert.Equal(t, Paused, c.State())
	assert.ErrorIs(t, c.Pause(), core.ErrNotPlaying)

	require.NoError(t, c.Seek(30*sec))
	assert.Equal(t, Paused, c.State(), "seek keeps the prior state")
	assert.Equal(t, 1, pub.len())

	require.NoError(t, c.Resume())
	require.Eventually(t, func() bool { return pub.len() == 2 }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Resume(), core.ErrNotPlaying)

	require.NoError(t, c.Seek(0), "seek backwards")
	require.NoError(t, c.SetRate(0))
	waitDone(t, c)

	assert.Equal(t, []int64{0, 3, 0, 1, 2, 3, 4}, pub.values(t))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"stopped>playing",
		"playing>paused",
		"paused>seeking", "seeking>paused",
		"paused>playing",
		"playing>seeking", "seeking>playing",
		"playing>stopped",
	}, transitions)
}

func TestController_SetRateTakesEffectImmediately(t *testing.T) {
	path := closedSegment(t, 0, 10*sec)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx, FromStart))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(4 * time.Second)

	require.NoError(t, c.SetRate(2))
	assert.Equal(t, 2.0, c.Rate())
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2900 * time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, pub.len(), "6s of recorded time at 2x is 3s")

	clock.Advance(100 * time.Millisecond)
	waitDone(t, c)
	times := pub.times()
	require.Len(t, times, 2)
	assert.Equal(t, 7*time.Second, times[1].Sub(times[0]))
}

func TestController_PauseFreezesPosition(t *testing.T) {
	path := closedSegment(t, 0, 10*sec)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx, FromStart))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(6 * time.Second)
	require.NoError(t, c.Pause())
	clock.Advance(time.Hour)
	require.NoError(t, c.Resume())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(4 * time.Second)
	waitDone(t, c)
	times := pub.times()
	require.Len(t, times, 2)
	assert.Equal(t, time.Hour+10*time.Second, times[1].Sub(times[0]))
}

func TestController_SetRateWhilePaused(t *testing.T) {
	path := closedSegment(t, 0, 10*sec)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx, FromStart))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(3 * time.Second)
	require.NoError(t, c.Pause())
	clock.Advance(time.Minute)
	require.NoError(t, c.SetRate(2))
	require.NoError(t, c.Resume())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, pub.len(), "the pause does not count as played time")
	clock.Advance(3400 * time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, pub.len())

	clock.Advance(100 * time.Millisecond)
	waitDone(t, c)
	times := pub.times()
	require.Len(t, times, 2)
	assert.Equal(t, 3*time.Second+time.Minute+3500*time.Millisecond, times[1].Sub(times[0]))
}

func TestController_FollowWaitsForNewData(t *testing.T) {
	w, path := writeSegment(t, 1, 2)
	defer w.Close()
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 0)
	require.NoError(t, c.SetFollow(true))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx, FromStart))
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "polling at the end of the data")
	assert.Equal(t, 2, pub.len())
	assert.Equal(t, Playing, c.State())

	appendRecords(t, w, 2, 3, 4)
	clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return pub.len() == 4 }, 5*time.Second, time.Millisecond)

	require.NoError(t, c.SetFollow(false))
	clock.Advance(DefaultPollInterval)
	waitDone(t, c)
	assert.Equal(t, []int64{0, 1, 2, 3}, pub.values(t))
	assert.NoError(t, c.Err())
}

func TestController_Stop(t *testing.T) {
	path := closedSegment(t, 0, time.Hour.Nanoseconds())
	clock := clockwork.NewFakeClock()
	reg := metrics.New(nil)
	pub := &collector{clock: clock}
	c := New("stopper", path, pub, Options{Rate: 1, Clock: clock, Logger: discard, Metrics: reg})

	assert.ErrorIs(t, c.Stop(), core.ErrNotPlaying)
	assert.ErrorIs(t, c.Pause(), core.ErrNotPlaying)

	require.NoError(t, c.Start(context.Background(), FromStart))
	assert.ErrorIs(t, c.Start(context.Background(), FromStart), core.ErrAlreadyPlaying)
	require.Eventually(t, func() bool { return pub.len() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	waitDone(t, c)
	assert.Equal(t, Stopped, c.State())
	assert.ErrorIs(t, c.Seek(0), core.ErrNotPlaying)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.RecordsPublished.WithLabelValues("stopper")))
	assert.Equal(t, float64(Stopped), testutil.ToFloat64(reg.PlaybackState.WithLabelValues("stopper")))
}

func TestController_ContextCancelStops(t *testing.T) {
	path := closedSegment(t, 0, time.Hour.Nanoseconds())
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.Start(ctx, FromStart))
	require.Eventually(t, func() bool { return pub.len() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	waitDone(t, c)
	assert.Equal(t, Stopped, c.State())
	assert.NoError(t, c.Err())
}

func TestController_InvalidRate(t *testing.T) {
	path := closedSegment(t, 0)
	c, _ := newController(t, path, clockwork.NewFakeClock(), 1)
	assert.ErrorIs(t, c.SetRate(-1), core.ErrInvalidRate)
	require.NoError(t, c.SetRate(3))
	assert.Equal(t, 3.0, c.Rate())
}

func TestController_PublishFailureStops(t *testing.T) {
	path := closedSegment(t, 0, 1, 2)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 0)
	injected := errors.New("broker gone")
	pub.fail = injected

	require.NoError(t, c.Start(context.Background(), FromStart))
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), injected)
	assert.Equal(t, Stopped, c.State())
	assert.Zero(t, c.Stats().Published)
}

func TestController_PrePublishHookSkips(t *testing.T) {
	path := closedSegment(t, 0, 1, 2, 3)
	clock := clockwork.NewFakeClock()
	c, pub := newController(t, path, clock, 0)
	hm := hooks.NewHookManager(discard)
	hm.Register(hooks.EventPrePublish, hookFunc(func(ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.PrePublishPayload)
		if p.Record.Timestamp%2 == 1 {
			return errors.New("odd")
		}
		p.Record.Path = "/replayed"
		return nil
	}))
	c.opts.HookManager = hm

	require.NoError(t, c.Start(context.Background(), FromStart))
	waitDone(t, c)
	assert.Equal(t, []int64{0, 2}, pub.values(t))
	assert.Equal(t, "/replayed", pub.recs[0].path)
	assert.Equal(t, uint64(2), c.Stats().Skipped)
}

type hookFunc func(ev hooks.HookEvent) error

func (f hookFunc) OnEvent(_ context.Context, ev hooks.HookEvent) error { return f(ev) }
func (f hookFunc) Priority() int                                       { return 0 }
func (f hookFunc) IsAsync() bool                                       { return false }
