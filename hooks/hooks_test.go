package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority    int
	name        string
	isAsync     bool
	returnErr   error
	workDelay   time.Duration
	mu          *sync.Mutex
	callOrder   *[]string
	callSignal  chan string
	onEventFunc func(event HookEvent)
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		if m.mu != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
		}
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)
	manager.Register(EventPreRecord, &mockListener{name: "p10", priority: 10})
	manager.Register(EventPreRecord, &mockListener{name: "p1", priority: 1})
	manager.Register(EventPreRecord, &mockListener{name: "p5", priority: 5})
	manager.Register(EventPreRecord, &mockListener{name: "p5b", priority: 5})

	listeners := manager.listeners[EventPreRecord]
	require.Len(t, listeners, 4)
	var names []string
	for _, l := range listeners {
		names = append(names, l.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"p1", "p5", "p5b", "p10"}, names, "equal priorities keep registration order")
}

func TestDefaultHookManager_PreHook(t *testing.T) {
	t.Run("runs in priority order and stops on error", func(t *testing.T) {
		manager := NewHookManager(nil)
		var callOrder []string
		vetoErr := errors.New("vetoed")
		manager.Register(EventPreRecord, &mockListener{name: "last", priority: 10, callOrder: &callOrder})
		manager.Register(EventPreRecord, &mockListener{name: "first", priority: 1, callOrder: &callOrder})
		manager.Register(EventPreRecord, &mockListener{name: "veto", priority: 5, callOrder: &callOrder, returnErr: vetoErr})

		err := manager.Trigger(context.Background(), NewPreRecordEvent(PreRecordPayload{Record: &core.Record{}}))
		require.ErrorIs(t, err, vetoErr)
		assert.Equal(t, []string{"first", "veto"}, callOrder)
	})

	t.Run("allows payload modification", func(t *testing.T) {
		manager := NewHookManager(nil)
		manager.Register(EventPreRecord, &mockListener{
			priority: 1,
			isAsync:  true, // ignored for pre-hooks
			onEventFunc: func(event HookEvent) {
				p := event.Payload().(PreRecordPayload)
				p.Record.Path = "/rewritten"
			},
		})
		rec := &core.Record{Path: "/original"}
		require.NoError(t, manager.Trigger(context.Background(), NewPreRecordEvent(PreRecordPayload{Record: rec})))
		assert.Equal(t, "/rewritten", rec.Path)
	})
}

func TestDefaultHookManager_PostHook(t *testing.T) {
	t.Run("sync and async listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		signal := make(chan string, 1)
		var callOrder []string
		manager.Register(EventPostBatchAppend, &mockListener{name: "async", priority: 10, isAsync: true, callSignal: signal})
		manager.Register(EventPostBatchAppend, &mockListener{name: "sync", priority: 1, callOrder: &callOrder})

		require.NoError(t, manager.Trigger(context.Background(), NewPostBatchAppendEvent(BatchAppendPayload{Records: 3})))
		assert.Equal(t, []string{"sync"}, callOrder)

		select {
		case name := <-signal:
			assert.Equal(t, "async", name)
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for async listener to be called")
		}
		manager.Stop()
	})

	t.Run("errors do not stop later listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		var callOrder []string
		manager.Register(EventOnCorruptBatch, &mockListener{name: "err", priority: 1, callOrder: &callOrder, returnErr: errors.New("x")})
		manager.Register(EventOnCorruptBatch, &mockListener{name: "next", priority: 2, callOrder: &callOrder})

		require.NoError(t, manager.Trigger(context.Background(), NewOnCorruptBatchEvent(CorruptBatchPayload{Offset: 10})))
		assert.Equal(t, []string{"err", "next"}, callOrder)
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Bool
	delay := 50 * time.Millisecond
	manager.Register(EventPostFlush, &mockListener{
		priority:    1,
		isAsync:     true,
		workDelay:   delay,
		onEventFunc: func(HookEvent) { completed.Store(true) },
	})

	_ = manager.Trigger(context.Background(), NewPostFlushEvent(FlushPayload{}))
	start := time.Now()
	manager.Stop()
	assert.GreaterOrEqual(t, time.Since(start), delay/2)
	assert.True(t, completed.Load(), "Stop must wait for async listeners")
}

func TestFire_NilManager(t *testing.T) {
	assert.NoError(t, Fire(context.Background(), nil, NewPostFlushEvent(FlushPayload{})))
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreRecord, &mockListener{name: "l", priority: i})
	}
	event := NewPreRecordEvent(PreRecordPayload{Record: &core.Record{}})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
