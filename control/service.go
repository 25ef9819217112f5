// Package control manages the recordings and playback controllers of one
// process behind a single API.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/playback"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/INLOpen/nexusarchive/recorder"
	"github.com/INLOpen/nexusarchive/segment"
)

type Options struct {
	// Dir resolves relative segment paths. The segment suffix is added to
	// names that lack it.
	Dir string

	Segment  segment.Options
	Recorder recorder.Options
	Playback playback.Options
	Logger   *slog.Logger
}

type StartRecordingRequest struct {
	Path     string
	Patterns []string
	// Resume appends to an existing segment instead of creating a new one.
	Resume bool
}

type PlayRequest struct {
	Name string
	Path string
	// From is the first timestamp to play; playback.FromStart plays everything.
	From   int64
	Rate   float64
	Follow bool
}

type RecordingStatus struct {
	Path      string
	SessionID core.SessionID
	Patterns  []string
	Stats     recorder.Stats
	// Err is the failure that ended the recording. A failed recording stays
	// listed until StopRecording collects the error.
	Err error
}

type Status struct {
	Recordings []RecordingStatus
	Players    []playback.Status
}

// Service owns the recordings it starts and the players it creates.
// Recordings are keyed by segment path and players by name.
type Service struct {
	sub    pubsub.Subscriber
	pub    pubsub.Publisher
	opts   Options
	logger *slog.Logger

	// Recordings and players live until stopped or until Close, not for the
	// duration of the request that started them.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	recordings map[string]*recorder.Recording
	players    map[string]*playback.Controller
	closed     bool

	testingOnlyWriterHook func(*segment.Writer)
}

// New returns a service recording from sub and playing back into pub.
func New(sub pubsub.Subscriber, pub pubsub.Publisher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Segment.Logger == nil {
		opts.Segment.Logger = logger
	}
	if opts.Recorder.Logger == nil {
		opts.Recorder.Logger = logger
	}
	if opts.Playback.Logger == nil {
		opts.Playback.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sub:        sub,
		pub:        pub,
		opts:       opts,
		logger:     logger.With("component", "ControlService"),
		ctx:        ctx,
		cancel:     cancel,
		recordings: make(map[string]*recorder.Recording),
		players:    make(map[string]*playback.Controller),
	}
}

// ResolvePath maps a segment name or path to the file it designates.
func (s *Service) ResolvePath(p string) string {
	if !strings.HasSuffix(p, core.SegmentFileSuffix) {
		p += core.SegmentFileSuffix
	}
	if !filepath.IsAbs(p) && s.opts.Dir != "" {
		p = filepath.Join(s.opts.Dir, p)
	}
	return filepath.Clean(p)
}

// StartRecording opens or creates the segment and starts recording into it.
// ctx bounds only the setup.
func (s *Service) StartRecording(ctx context.Context, req StartRecordingRequest) (core.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return core.SessionID{}, err
	}
	path := s.ResolvePath(req.Path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.SessionID{}, core.ErrClosed
	}
	if rec, ok := s.recordings[path]; ok {
		if err := rec.Err(); err != nil {
			return core.SessionID{}, fmt.Errorf("%w: recording into %s failed and was not stopped: %v", core.ErrAlreadyExists, path, err)
		}
		return core.SessionID{}, fmt.Errorf("%w: %s is already recording", core.ErrAlreadyExists, path)
	}

	var w *segment.Writer
	var err error
	if req.Resume {
		w, err = segment.OpenAppend(path, s.opts.Segment)
	} else {
		w, err = segment.Create(path, core.NewSessionID(), s.opts.Segment)
	}
	if err != nil {
		return core.SessionID{}, err
	}
	if s.testingOnlyWriterHook != nil {
		s.testingOnlyWriterHook(w)
	}
	rec, err := recorder.Start(s.ctx, w, s.sub, req.Patterns, s.opts.Recorder)
	if err != nil {
		w.Close()
		return core.SessionID{}, err
	}
	s.recordings[path] = rec
	go s.reap(path, rec)
	s.logger.Info("Recording registered.", "path", path, "session", rec.SessionID())
	return rec.SessionID(), nil
}

// reap forgets a recording that ends cleanly on its own. A failed recording
// is kept so that StopRecording and Status can report its error.
func (s *Service) reap(path string, rec *recorder.Recording) {
	<-rec.Done()
	if err := rec.Err(); err != nil {
		s.logger.Error("Recording ended with an error.", "path", path, "error", err)
		return
	}
	s.forget(path, rec)
}

func (s *Service) forget(path string, rec *recorder.Recording) {
	s.mu.Lock()
	if s.recordings[path] == rec {
		delete(s.recordings, path)
	}
	s.mu.Unlock()
}

// StopRecording stops the recording into path and waits for it to finish. It
// returns the recording's failure, including one that ended it earlier.
func (s *Service) StopRecording(path string) error {
	path = s.ResolvePath(path)
	s.mu.Lock()
	rec, ok := s.recordings[path]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotRecording, path)
	}
	err := rec.Stop()
	s.forget(path, rec)
	return err
}

// Recording returns the running recording into path.
func (s *Service) Recording(path string) (*recorder.Recording, error) {
	path = s.ResolvePath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotRecording, path)
	}
	return rec, nil
}

// Play creates or reuses the player called req.Name and starts it. A player
// that has stopped can be played again under the same name.
func (s *Service) Play(ctx context.Context, req PlayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Name == "" {
		return errors.New("player name is required")
	}
	path := s.ResolvePath(req.Path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if p, ok := s.players[req.Name]; ok && p.State() != playback.Stopped {
		return fmt.Errorf("%w: player %q", core.ErrAlreadyPlaying, req.Name)
	}
	opts := s.opts.Playback
	opts.Rate = req.Rate
	opts.Follow = req.Follow
	p := playback.New(req.Name, path, s.pub, opts)
	if err := p.Start(s.ctx, req.From); err != nil {
		return err
	}
	s.players[req.Name] = p
	return nil
}

func (s *Service) player(name string) (*playback.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown player %q", core.ErrNotPlaying, name)
	}
	return p, nil
}

func (s *Service) Pause(name string) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	return p.Pause()
}

func (s *Service) Resume(name string) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	return p.Resume()
}

func (s *Service) Seek(name string, ts int64) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	return p.Seek(ts)
}

func (s *Service) SetRate(name string, rate float64) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	return p.SetRate(rate)
}

func (s *Service) SetFollow(name string, follow bool) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	return p.SetFollow(follow)
}

// StopPlayback stops the named player and waits for its loop to exit.
func (s *Service) StopPlayback(name string) error {
	p, err := s.player(name)
	if err != nil {
		return err
	}
	if err := p.Stop(); err != nil {
		return err
	}
	<-p.Done()
	return nil
}

// Player returns the named controller, for waiting on Done or reading Err.
func (s *Service) Player(name string) (*playback.Controller, error) {
	return s.player(name)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Status
	for path, rec := range s.recordings {
		st.Recordings = append(st.Recordings, RecordingStatus{
			Path:      path,
			SessionID: rec.SessionID(),
			Patterns:  rec.Patterns(),
			Stats:     rec.Stats(),
			Err:       rec.Err(),
		})
	}
	for _, p := range s.players {
		st.Players = append(st.Players, p.Status())
	}
	sort.Slice(st.Recordings, func(i, j int) bool { return st.Recordings[i].Path < st.Recordings[j].Path })
	sort.Slice(st.Players, func(i, j int) bool { return st.Players[i].Name < st.Players[j].Name })
	return st
}

// Close stops every recording and player. Errors from recordings are joined.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	recs := make([]*recorder.Recording, 0, len(s.recordings))
	for _, rec := range s.recordings {
		recs = append(recs, rec)
	}
	players := make([]*playback.Controller, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		if err := rec.Stop(); err != nil && !errors.Is(err, core.ErrNotRecording) {
			errs = append(errs, fmt.Errorf("stop recording %s: %w", rec.Path(), err))
		}
	}
	for _, p := range players {
		if err := p.Stop(); err != nil && !errors.Is(err, core.ErrNotPlaying) {
			errs = append(errs, fmt.Errorf("stop player %s: %w", p.Name(), err))
		}
		<-p.Done()
	}
	s.cancel()
	return errors.Join(errs...)
}
