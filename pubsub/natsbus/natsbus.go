// Package natsbus carries archive updates over NATS.
//
// Subject mapping: a path "/hw/host1/cpu" is published on
// "<prefix>.hw.host1.cpu". The exact path and the update timestamp travel in
// message headers and the value, encoded with the archive value codec, is
// the message body.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/gobwas/glob"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
)

const (
	HeaderPath      = "Nexus-Path"
	HeaderTimestamp = "Nexus-Timestamp"

	DefaultSubjectPrefix  = "nexusarchive"
	DefaultConnectTimeout = 5 * time.Second
	defaultBufferSize     = 256
)

type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string
	// SubjectPrefix is prepended to every subject. Default: "nexusarchive".
	SubjectPrefix string
	// Name is an optional NATS connection name.
	Name string
	// ConnectTimeout bounds the initial connection. Default: 5s.
	ConnectTimeout time.Duration
	BufferSize     int
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Bus publishes and subscribes archive updates on a NATS connection.
type Bus struct {
	nc         *nats.Conn
	ownsConn   bool
	prefix     string
	bufferSize int
	clock      clockwork.Clock
	logger     *slog.Logger
}

var (
	_ pubsub.Publisher  = (*Bus)(nil)
	_ pubsub.Subscriber = (*Bus)(nil)
)

// Connect dials NATS and returns a Bus owning the connection.
func Connect(cfg Config) (*Bus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	nc, err := nats.Connect(url, nats.Timeout(timeout), func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b := New(nc, cfg)
	b.ownsConn = true
	return b, nil
}

// New wraps an existing connection. Close does not close nc.
func New(nc *nats.Conn, cfg Config) *Bus {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		nc:         nc,
		prefix:     prefix,
		bufferSize: size,
		clock:      clock,
		logger:     logger.With("component", "NATSBus"),
	}
}

// Publish stamps v with the bus clock and publishes it.
func (b *Bus) Publish(ctx context.Context, path string, v core.Value) error {
	return b.PublishUpdate(ctx, pubsub.Update{Path: path, Timestamp: b.clock.Now().UnixNano(), Value: v})
}

// PublishUpdate publishes u with its own timestamp.
func (b *Bus) PublishUpdate(ctx context.Context, u pubsub.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: b.Subject(u.Path),
		Data:    core.MarshalValue(u.Value),
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderPath, u.Path)
	msg.Header.Set(HeaderTimestamp, strconv.FormatInt(u.Timestamp, 10))
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", u.Path, err)
	}
	return nil
}

// Subscribe delivers updates whose path matches pattern until ctx is done.
// The NATS subscription is registered with the server before it returns.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan pubsub.Update, error) {
	matcher, err := pubsub.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	s := &subscription{
		matcher: matcher,
		updates: make(chan pubsub.Update, b.bufferSize),
		done:    make(chan struct{}),
		logger:  b.logger.With("pattern", pattern),
	}
	subject := b.subjectPattern(pattern)
	ns, err := b.nc.Subscribe(subject, s.onMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	// The handler blocks instead of dropping; never let the client discard.
	if err := ns.SetPendingLimits(-1, -1); err != nil {
		_ = ns.Unsubscribe()
		return nil, err
	}
	if err := b.nc.Flush(); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("failed to register subscription %s: %w", subject, err)
	}
	b.logger.Debug("Subscribed.", "pattern", pattern, "subject", subject)

	go func() {
		select {
		case <-ctx.Done():
		case <-b.nc.StatusChanged(nats.CLOSED):
		}
		_ = ns.Unsubscribe()
		s.close()
	}()
	return s.updates, nil
}

type subscription struct {
	matcher glob.Glob
	updates chan pubsub.Update
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

func (s *subscription) onMsg(m *nats.Msg) {
	u, err := DecodeMsg(m)
	if err != nil {
		s.logger.Warn("Dropping undecodable message.", "subject", m.Subject, "error", err)
		return
	}
	if !s.matcher.Match(u.Path) {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.updates)
		s.mu.Unlock()
	})
}

// DecodeMsg converts a NATS message published by a Bus back into an update.
func DecodeMsg(m *nats.Msg) (pubsub.Update, error) {
	path := m.Header.Get(HeaderPath)
	if path == "" {
		return pubsub.Update{}, fmt.Errorf("missing %s header", HeaderPath)
	}
	ts, err := strconv.ParseInt(m.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return pubsub.Update{}, fmt.Errorf("bad %s header: %w", HeaderTimestamp, err)
	}
	v, err := core.UnmarshalValue(m.Data)
	if err != nil {
		return pubsub.Update{}, err
	}
	return pubsub.Update{Path: path, Timestamp: ts, Value: v}, nil
}

// Subject maps a path to its NATS subject. Characters that are special in
// subjects are replaced with '_'.
func (b *Bus) Subject(path string) string {
	levels := splitPath(path)
	for i, l := range levels {
		levels[i] = sanitizeToken(l)
	}
	if len(levels) == 0 {
		return b.prefix + "._"
	}
	return b.prefix + "." + strings.Join(levels, ".")
}

// subjectPattern narrows the NATS subscription for simple patterns. Anything
// the subject syntax cannot express falls back to the whole prefix and is
// filtered client-side.
func (b *Bus) subjectPattern(pattern string) string {
	levels := splitPath(pattern)
	out := make([]string, 0, len(levels))
	for i, l := range levels {
		switch {
		case l == "**" && i == len(levels)-1:
			out = append(out, ">")
			return b.prefix + "." + strings.Join(out, ".")
		case l == "*":
			out = append(out, "*")
		case strings.ContainsAny(l, "*?[]{}\\"):
			return b.prefix + ".>"
		default:
			out = append(out, sanitizeToken(l))
		}
	}
	if len(out) == 0 {
		return b.prefix + ".>"
	}
	return b.prefix + "." + strings.Join(out, ".")
}

func splitPath(path string) []string {
	var levels []string
	for _, l := range strings.Split(path, "/") {
		if l != "" {
			levels = append(levels, l)
		}
	}
	return levels
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Flush waits until the server has processed everything published so far.
func (b *Bus) Flush() error { return b.nc.Flush() }

// Close drains and closes the connection when the bus owns it.
func (b *Bus) Close() error {
	if !b.ownsConn {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
