package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/gobwas/glob"
	"github.com/jonboulle/clockwork"
)

// PathSeparator splits path levels for pattern matching: "*" matches within
// one level and "**" across levels.
const PathSeparator = '/'

const defaultSubscriptionBuffer = 256

// CompilePattern compiles a subscription pattern.
func CompilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, PathSeparator)
	if err != nil {
		return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
	}
	return g, nil
}

// CombinePatterns merges patterns into one alternation so that an update
// matching several of them is delivered once.
func CombinePatterns(patterns []string) string {
	switch len(patterns) {
	case 0:
		return "**"
	case 1:
		return patterns[0]
	}
	return "{" + strings.Join(patterns, ",") + "}"
}

type subscription struct {
	id      uint64
	pattern string
	matcher glob.Glob
	updates chan Update
	done    chan struct{}
	once    sync.Once
}

type BusOptions struct {
	// Clock stamps updates published without a timestamp. Defaults to the
	// real clock.
	Clock clockwork.Clock
	// BufferSize is the channel capacity of each subscription.
	BufferSize int
	Logger     *slog.Logger
}

// Bus is an in-process Publisher and Subscriber. Delivery is lossless: a
// publish blocks until every matching subscriber has room, its subscription
// ends, or the publish context is done.
type Bus struct {
	// mu is held for reading across a whole publish, which may block on a
	// slow subscriber.
	mu          sync.RWMutex
	subscribers map[uint64]*subscription
	nextID      uint64
	closed      bool

	// live mirrors subscribers under its own lock so that blocked publishers
	// can be woken without waiting for mu.
	liveMu  sync.Mutex
	live    map[uint64]*subscription
	closing bool

	clock      clockwork.Clock
	bufferSize int
	logger     *slog.Logger
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

func NewBus(opts BusOptions) *Bus {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultSubscriptionBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[uint64]*subscription),
		live:        make(map[uint64]*subscription),
		clock:       opts.Clock,
		bufferSize:  opts.BufferSize,
		logger:      logger.With("component", "PubSubBus"),
	}
}

// Subscribe registers pattern and returns the channel of matching updates.
// The subscription ends when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan Update, error) {
	matcher, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, core.ErrClosed
	}
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: pattern,
		matcher: matcher,
		updates: make(chan Update, b.bufferSize),
		done:    make(chan struct{}),
	}
	b.liveMu.Lock()
	if b.closing {
		b.liveMu.Unlock()
		b.mu.Unlock()
		return nil, core.ErrClosed
	}
	b.live[sub.id] = sub
	b.liveMu.Unlock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscribed.", "id", sub.id, "pattern", pattern)
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(sub)
		case <-sub.done:
		}
	}()
	return sub.updates, nil
}

func (b *Bus) unsubscribe(sub *subscription) {
	// Wake publishers blocked on this subscriber before taking the write lock.
	sub.closeDone()
	b.liveMu.Lock()
	delete(b.live, sub.id)
	b.liveMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.updates)
	}
}

func (s *subscription) closeDone() {
	s.once.Do(func() { close(s.done) })
}

// Publish stamps v with the bus clock and delivers it.
func (b *Bus) Publish(ctx context.Context, path string, v core.Value) error {
	return b.PublishUpdate(ctx, Update{Path: path, Timestamp: b.clock.Now().UnixNano(), Value: v})
}

// PublishUpdate delivers u with its own timestamp.
func (b *Bus) PublishUpdate(ctx context.Context, u Update) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return core.ErrClosed
	}
	for _, sub := range b.subscribers {
		if !sub.matcher.Match(u.Path) {
			continue
		}
		select {
		case sub.updates <- u:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription. Later calls to Publish and Subscribe fail
// with ErrClosed.
func (b *Bus) Close() error {
	b.liveMu.Lock()
	b.closing = true
	subs := make([]*subscription, 0, len(b.live))
	for id, sub := range b.live {
		subs = append(subs, sub)
		delete(b.live, id)
	}
	b.liveMu.Unlock()
	for _, sub := range subs {
		sub.closeDone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.updates)
	}
	return nil
}
