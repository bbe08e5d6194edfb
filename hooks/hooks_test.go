package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

type fakeListener struct {
	priority int
	async    bool
	err      error
	onEvent  func(HookEvent)
}

func (f *fakeListener) Priority() int { return f.priority }
func (f *fakeListener) IsAsync() bool { return f.async }
func (f *fakeListener) OnEvent(ctx context.Context, event HookEvent) error {
	if f.onEvent != nil {
		f.onEvent(event)
	}
	return f.err
}

func TestHookManager_RegisterOrdersByPriority(t *testing.T) {
	m := NewHookManager(nil)

	var mu sync.Mutex
	var order []int

	record := func(p int) *fakeListener {
		return &fakeListener{priority: p, onEvent: func(HookEvent) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
		}}
	}

	m.Register(EventPostAppend, record(30))
	m.Register(EventPostAppend, record(10))
	m.Register(EventPostAppend, record(20))

	err := m.Trigger(context.Background(), NewPostAppendEvent(PostAppendPayload{}))
	require.NoError(t, err)

	require.Equal(t, []int{10, 20, 30}, order)
}

func TestHookManager_PreHookErrorCancelsOperation(t *testing.T) {
	m := NewHookManager(nil)
	wantErr := errors.New("policy rejected append")
	m.Register(EventPreAppend, &fakeListener{priority: 0, err: wantErr})

	err := m.Trigger(context.Background(), NewPreAppendEvent(PreAppendPayload{}))
	require.ErrorIs(t, err, wantErr)
}

func TestHookManager_PostHookErrorDoesNotPropagate(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventPostAppend, &fakeListener{priority: 0, err: errors.New("logged, not returned")})

	err := m.Trigger(context.Background(), NewPostAppendEvent(PostAppendPayload{}))
	require.NoError(t, err)
}

func TestHookManager_AsyncPostHookRunsOffCriticalPath(t *testing.T) {
	m := NewHookManager(nil)
	var ran atomic.Bool
	m.Register(EventPostGC, &fakeListener{
		priority: 0,
		async:    true,
		onEvent: func(HookEvent) {
			time.Sleep(10 * time.Millisecond)
			ran.Store(true)
		},
	})

	start := time.Now()
	require.NoError(t, m.Trigger(context.Background(), NewPostGCEvent(GCPayload{})))
	require.Less(t, time.Since(start), 10*time.Millisecond)

	m.Stop()
	require.True(t, ran.Load())
}

func TestHookManager_AsyncRequestedOnPreHookRunsSynchronously(t *testing.T) {
	m := NewHookManager(nil)
	var ran atomic.Bool
	m.Register(EventPreUpdateConsensus, &fakeListener{
		priority: 0,
		async:    true,
		onEvent:  func(HookEvent) { ran.Store(true) },
	})

	require.NoError(t, m.Trigger(context.Background(), NewPreUpdateConsensusEvent(UpdateConsensusPayload{})))
	require.True(t, ran.Load(), "pre-hooks must run synchronously even if the listener requests async")
}

func TestHookManager_NoListenersIsNoop(t *testing.T) {
	m := NewHookManager(nil)
	err := m.Trigger(context.Background(), NewOnLMPMismatchEvent(LMPMismatchPayload{
		PeerTerm:      3,
		PrecedingOpID: walcore.OpID{Term: 2, Index: 10},
		LocalOpID:     walcore.OpID{Term: 2, Index: 9},
	}))
	require.NoError(t, err)
}
