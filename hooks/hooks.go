package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexusdb/tabletwal/walcore"
)

// EventType identifies a WAL or consensus lifecycle event.
type EventType string

const (
	// WAL lifecycle events (C2, C7, C8, C9, C10).
	EventPreAppend      EventType = "PreAppend"
	EventPostAppend     EventType = "PostAppend"
	EventPostRotate     EventType = "PostRotate"
	EventPreGC          EventType = "PreGC"
	EventPostGC         EventType = "PostGC"
	EventPostRecovery   EventType = "PostRecovery"
	EventPreAllocate    EventType = "PreAllocate"
	EventPostAllocate   EventType = "PostAllocate"

	// Consensus driver events (C11).
	EventPreUpdateConsensus  EventType = "PreUpdateConsensus"
	EventPostUpdateConsensus EventType = "PostUpdateConsensus"
	EventPreTruncate         EventType = "PreTruncate"
	EventPostTruncate        EventType = "PostTruncate"
	EventOnLMPMismatch       EventType = "OnLMPMismatch"
	EventOnCommitAdvance     EventType = "OnCommitAdvance"
)

// HookManager manages and triggers hooks around WAL/consensus lifecycle
// points. It is an ambient extension point — nothing in the core append
// or replication paths requires a listener to be registered.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Pre-hooks
	// run synchronously and can cancel the operation by returning an
	// error; Post-hooks run sync or async per listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete, for graceful
	// shutdown.
	Stop()
}

// HookEvent is the interface every event payload implements.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the concrete HookEvent every constructor below returns.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreAppendPayload carries the entries of a batch about to be appended.
// Entries shares its backing array with the caller's slice. The wal
// package does not trigger EventPreAppend itself; listeners on it only see
// events that other code builds with NewPreAppendEvent and triggers.
type PreAppendPayload struct {
	Entries []walcore.ReplicateMessage
}

func NewPreAppendEvent(p PreAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAppend, payload: p}
}

// PostAppendPayload reports the outcome of a drained, written group.
type PostAppendPayload struct {
	FirstOpID  walcore.OpID
	LastOpID   walcore.OpID
	NumEntries int
	Synced     bool
	Error      error
}

func NewPostAppendEvent(p PostAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAppend, payload: p}
}

// PostRotatePayload reports a completed segment rollover (C5/C10).
type PostRotatePayload struct {
	OldSegmentSeq  uint64
	NewSegmentSeq  uint64
	NewSegmentPath string
}

func NewPostRotateEvent(p PostRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRotate, payload: p}
}

// GCPayload describes a garbage-collection pass over retired segments.
type GCPayload struct {
	Retention      walcore.RetentionIndexes
	SegmentsBefore int
	SegmentsAfter  int
	BytesReclaimed int64
}

func NewPreGCEvent(p GCPayload) HookEvent  { return &BaseEvent{eventType: EventPreGC, payload: p} }
func NewPostGCEvent(p GCPayload) HookEvent { return &BaseEvent{eventType: EventPostGC, payload: p} }

// PostRecoveryPayload reports the outcome of replaying segments at Open.
type PostRecoveryPayload struct {
	SegmentsScanned  int
	EntriesRecovered int
	LastEntryOpID    walcore.OpID
	Duration         time.Duration
}

func NewPostRecoveryEvent(p PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: p}
}

// AllocatePayload describes the allocator task (C9) preallocating the next
// segment's placeholder file.
type AllocatePayload struct {
	SegmentSeq    uint64
	PlaceholderPath string
	SizeBytes     int64
	Error         error
}

func NewPreAllocateEvent(p AllocatePayload) HookEvent {
	return &BaseEvent{eventType: EventPreAllocate, payload: p}
}
func NewPostAllocateEvent(p AllocatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostAllocate, payload: p}
}

// UpdateConsensusPayload carries the request about to be (or having been)
// applied by the consensus driver (C11).
type UpdateConsensusPayload struct {
	PeerTerm       uint64
	PrecedingOpID  walcore.OpID
	NumReplicates  int
	CommittedOpID  walcore.OpID
	Error          error
}

func NewPreUpdateConsensusEvent(p UpdateConsensusPayload) HookEvent {
	return &BaseEvent{eventType: EventPreUpdateConsensus, payload: p}
}
func NewPostUpdateConsensusEvent(p UpdateConsensusPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUpdateConsensus, payload: p}
}

// TruncatePayload describes a replace-on-divergence truncation (KUDU-644).
type TruncatePayload struct {
	TruncatedFromOpID walcore.OpID
	NumOpsTruncated   int
}

func NewPreTruncateEvent(p TruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPreTruncate, payload: p}
}
func NewPostTruncateEvent(p TruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostTruncate, payload: p}
}

// LMPMismatchPayload reports a log-matching-property failure against a
// peer's preceding_op_id (KUDU-1775's restart-survival concern: this must
// fire identically whether the mismatch is detected against an
// in-memory cache or a freshly recovered log).
type LMPMismatchPayload struct {
	PeerTerm      uint64
	PrecedingOpID walcore.OpID
	LocalOpID     walcore.OpID
}

func NewOnLMPMismatchEvent(p LMPMismatchPayload) HookEvent {
	return &BaseEvent{eventType: EventOnLMPMismatch, payload: p}
}

// CommitAdvancePayload reports the commit index advancing (bounded by the
// locally-received index per KUDU-639).
type CommitAdvancePayload struct {
	OldCommittedOpID walcore.OpID
	NewCommittedOpID walcore.OpID
}

func NewOnCommitAdvanceEvent(p CommitAdvancePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCommitAdvance, payload: p}
}

// HookListener is implemented by components that want to observe or veto
// WAL/consensus lifecycle events.
type HookListener interface {
	// OnEvent is called when a registered event fires. An error returned
	// from a Pre-hook cancels the operation; errors from Post-hooks are
	// logged without affecting the operation that already happened.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners for the same event; lower runs first.
	Priority() int
	// IsAsync requests asynchronous dispatch for Post-hooks. Ignored for
	// Pre-hooks, which always run synchronously so they can cancel.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is the concrete HookManager.
type DefaultHookManager struct {
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

// Register adds listener for eventType, keeping the slice sorted by
// priority so Trigger never needs to sort on the hot path.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("listener for pre-hook requested async execution, pre-hooks are always synchronous",
					"event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("error from synchronous post-hook listener",
					"event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("error from asynchronous post-hook listener",
						"event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
