package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusarchive/core"
)

type EventType string

const (
	// Recording path. PreRecord runs for every captured update and can veto it.
	EventPreRecord             EventType = "PreRecord"
	EventPostRecordingStart    EventType = "PostRecordingStart"
	EventPostRecordingStop     EventType = "PostRecordingStop"
	EventPostBatchAppend       EventType = "PostBatchAppend"
	EventPostFlush             EventType = "PostFlush"
	EventPostIndexRebuild      EventType = "PostIndexRebuild"
	EventOnCorruptBatch        EventType = "OnCorruptBatch"
	EventOnTimestampClamped    EventType = "OnTimestampClamped"
	EventPrePublish            EventType = "PrePublish"
	EventOnPlaybackStateChange EventType = "OnPlaybackStateChange"
)

// HookManager dispatches events to registered listeners.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
	Stop()
}

// HookEvent is an event passed to listeners.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events. Pre-events always run synchronously and a
// returned error cancels the operation; post-events may run asynchronously.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower runs first.
	Priority() int
	IsAsync() bool
}

type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreRecordPayload carries a pointer so listeners may rewrite the record.
type PreRecordPayload struct {
	Record *core.Record
}

func NewPreRecordEvent(payload PreRecordPayload) HookEvent {
	return &BaseEvent{eventType: EventPreRecord, payload: payload}
}

type RecordingPayload struct {
	Path      string
	SessionID core.SessionID
	Patterns  []string
	Records   uint64
	Batches   uint64
	Error     error
}

func NewPostRecordingStartEvent(payload RecordingPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecordingStart, payload: payload}
}

func NewPostRecordingStopEvent(payload RecordingPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecordingStop, payload: payload}
}

type BatchAppendPayload struct {
	Path        string
	Offset      int64
	Length      uint32
	Records     int
	MinTs       int64
	MaxTs       int64
	RawBytes    int
	StoredBytes int
	Compression core.CompressionType
}

func NewPostBatchAppendEvent(payload BatchAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBatchAppend, payload: payload}
}

type FlushPayload struct {
	Path         string
	CommittedEnd int64
	Batches      int
}

func NewPostFlushEvent(payload FlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFlush, payload: payload}
}

type IndexRebuildPayload struct {
	Path        string
	Reason      string
	ScannedFrom int64
	Entries     int
}

func NewPostIndexRebuildEvent(payload IndexRebuildPayload) HookEvent {
	return &BaseEvent{eventType: EventPostIndexRebuild, payload: payload}
}

type CorruptBatchPayload struct {
	Path   string
	Offset int64
	Error  error
}

func NewOnCorruptBatchEvent(payload CorruptBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCorruptBatch, payload: payload}
}

type TimestampClampedPayload struct {
	Path     string
	Original int64
	Clamped  int64
}

func NewOnTimestampClampedEvent(payload TimestampClampedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnTimestampClamped, payload: payload}
}

// PrePublishPayload carries a pointer so listeners may rewrite the record
// before it is republished.
type PrePublishPayload struct {
	Player string
	Record *core.Record
}

func NewPrePublishEvent(payload PrePublishPayload) HookEvent {
	return &BaseEvent{eventType: EventPrePublish, payload: payload}
}

type PlaybackStatePayload struct {
	Player   string
	From     string
	To       string
	Position int64
}

func NewOnPlaybackStateChangeEvent(payload PlaybackStatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnPlaybackStateChange, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listener slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Fire triggers event on m when m is non-nil. Components hold an optional
// manager and call this instead of checking for nil at every site.
func Fire(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
