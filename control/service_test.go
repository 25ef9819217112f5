package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/playback"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/INLOpen/nexusarchive/recorder"
	"github.com/INLOpen/nexusarchive/segment"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	svc    *Service
	source *pubsub.Bus
	sink   *pubsub.Bus
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source: pubsub.NewBus(pubsub.BusOptions{Logger: discard}),
		sink:   pubsub.NewBus(pubsub.BusOptions{Logger: discard, BufferSize: 1024}),
		clock:  clockwork.NewFakeClock(),
	}
	f.svc = New(f.source, f.sink, Options{
		Dir:      t.TempDir(),
		Recorder: recorder.Options{MaxBatchRecords: 4, MaxBatchDelay: time.Hour, FlushInterval: time.Hour},
		Playback: playback.Options{Clock: f.clock},
		Logger:   discard,
	})
	t.Cleanup(func() {
		f.svc.Close()
		f.source.Close()
		f.sink.Close()
	})
	return f
}

// record captures n updates one second apart into name, starting at first.
func (f *fixture) record(t *testing.T, name string, resume bool, first int64, n int) {
	t.Helper()
	_, err := f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: name, Patterns: []string{"/line/**"}, Resume: resume})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		ts := first + int64(i)*int64(time.Second)
		require.NoError(t, f.source.PublishUpdate(context.Background(), pubsub.Update{Path: "/line/speed", Timestamp: ts, Value: core.I64(ts / int64(time.Second))}))
	}
	require.NoError(t, f.svc.StopRecording(name))
}

func receive(t *testing.T, ch <-chan pubsub.Update, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for len(out) < n {
		select {
		case u := <-ch:
			v, ok := u.Value.Int64()
			require.True(t, ok)
			out = append(out, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d updates", len(out), n)
		}
	}
	return out
}

func TestService_Recordings(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "shift1", Patterns: []string{"/line/**"}})
	require.NoError(t, err)
	assert.False(t, session.IsZero())

	_, err = f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "shift1"})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	st := f.svc.Status()
	require.Len(t, st.Recordings, 1)
	assert.Equal(t, f.svc.ResolvePath("shift1"), st.Recordings[0].Path)
	assert.Equal(t, session, st.Recordings[0].SessionID)
	assert.Equal(t, []string{"/line/**"}, st.Recordings[0].Patterns)

	rec, err := f.svc.Recording("shift1.nxa")
	require.NoError(t, err)
	assert.Equal(t, session, rec.SessionID())

	require.NoError(t, f.svc.StopRecording("shift1"))
	<-rec.Done()
	_, err = f.svc.Recording("shift1")
	assert.ErrorIs(t, err, core.ErrNotRecording)
	require.Eventually(t, func() bool { return len(f.svc.Status().Recordings) == 0 }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, f.svc.StopRecording("shift1"), core.ErrNotRecording)
	assert.ErrorIs(t, f.svc.StopRecording("unknown"), core.ErrNotRecording)

	_, err = f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "shift1"})
	assert.ErrorIs(t, err, core.ErrAlreadyExists, "an existing segment is not overwritten")
}

func TestService_RecordingFailureReachesCaller(t *testing.T) {
	f := newFixture(t)
	injected := errors.New("disk full")
	f.svc.opts.Recorder.MaxAppendRetries = 1
	f.svc.opts.Recorder.RetryInitialInterval = time.Millisecond
	f.svc.testingOnlyWriterHook = func(w *segment.Writer) { w.SetTestingOnlyInjectAppendError(injected, 100) }

	_, err := f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "broken", Patterns: []string{"/line/**"}})
	require.NoError(t, err)
	rec, err := f.svc.Recording("broken")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.source.PublishUpdate(context.Background(), pubsub.Update{Path: "/line/speed", Timestamp: int64(i), Value: core.I64(int64(i))}))
	}
	select {
	case <-rec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("recording did not fail")
	}

	st := f.svc.Status()
	require.Len(t, st.Recordings, 1, "a failed recording stays listed")
	assert.ErrorIs(t, st.Recordings[0].Err, core.ErrRecordingFailed)

	_, err = f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "broken"})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	err = f.svc.StopRecording("broken")
	assert.ErrorIs(t, err, core.ErrRecordingFailed)
	assert.ErrorIs(t, err, injected)
	assert.Empty(t, f.svc.Status().Recordings)
	assert.ErrorIs(t, f.svc.StopRecording("broken"), core.ErrNotRecording)
}

func TestService_ResumeAndPlay(t *testing.T) {
	f := newFixture(t)
	sec := int64(time.Second)
	f.record(t, "line", false, 0, 5)
	f.record(t, "line", true, 5*sec, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := f.sink.Subscribe(ctx, "/line/**")
	require.NoError(t, err)

	require.NoError(t, f.svc.Play(context.Background(), PlayRequest{Name: "replay", Path: "line", From: 2 * sec, Rate: 0}))
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7, 8, 9}, receive(t, updates, 8))

	p, err := f.svc.Player("replay")
	require.NoError(t, err)
	<-p.Done()
	require.NoError(t, p.Err())
	st := f.svc.Status()
	require.Len(t, st.Players, 1)
	assert.Equal(t, playback.Stopped, st.Players[0].State)
	assert.Equal(t, uint64(8), st.Players[0].Published)
}

func TestService_PlayerCommands(t *testing.T) {
	f := newFixture(t)
	sec := int64(time.Second)
	f.record(t, "line", false, 0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := f.sink.Subscribe(ctx, "/line/**")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Pause("replay"), core.ErrNotPlaying)

	req := PlayRequest{Name: "replay", Path: "line", From: playback.FromStart, Rate: 1}
	require.NoError(t, f.svc.Play(context.Background(), req))
	assert.ErrorIs(t, f.svc.Play(context.Background(), req), core.ErrAlreadyPlaying)
	assert.Equal(t, []int64{0}, receive(t, updates, 1))

	require.NoError(t, f.svc.Pause("replay"))
	require.NoError(t, f.svc.Seek("replay", 7*sec))
	assert.ErrorIs(t, f.svc.SetRate("replay", -2), core.ErrInvalidRate)
	require.NoError(t, f.svc.SetRate("replay", 0))
	require.NoError(t, f.svc.SetFollow("replay", false))
	require.NoError(t, f.svc.Resume("replay"))
	assert.Equal(t, []int64{7, 8, 9}, receive(t, updates, 3))

	p, err := f.svc.Player("replay")
	require.NoError(t, err)
	<-p.Done()
	assert.ErrorIs(t, f.svc.StopPlayback("replay"), core.ErrNotPlaying)

	require.NoError(t, f.svc.Play(context.Background(), req), "a stopped player can be replayed")
	assert.Equal(t, []int64{0}, receive(t, updates, 1))
	require.NoError(t, f.svc.StopPlayback("replay"))
	assert.Equal(t, playback.Stopped, f.svc.Status().Players[0].State)
}

func TestService_Close(t *testing.T) {
	f := newFixture(t)
	f.record(t, "line", false, 0, 3)

	_, err := f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "live"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Play(context.Background(), PlayRequest{Name: "slow", Path: "line", From: playback.FromStart, Rate: 1}))

	require.NoError(t, f.svc.Close())
	require.NoError(t, f.svc.Close())
	require.Eventually(t, func() bool { return len(f.svc.Status().Recordings) == 0 }, 5*time.Second, time.Millisecond)

	_, err = f.svc.StartRecording(context.Background(), StartRecordingRequest{Path: "again"})
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, f.svc.Play(context.Background(), PlayRequest{Name: "x", Path: "line"}), core.ErrClosed)
}
