package wal

import (
	"fmt"
	"sync"

	"github.com/nexusdb/tabletwal/walcore"
)

// BatchState tracks a LogEntryBatch's monotonic progress through the append
// pipeline (§3's "Log entry batch"): Initialized -> Reserved -> Serialized
// -> Ready -> consumed by the appender, or FailedAppend on any I/O error.
type BatchState int

const (
	BatchInitialized BatchState = iota
	BatchReserved
	BatchSerialized
	BatchReady
	BatchFailedAppend
)

func (s BatchState) String() string {
	switch s {
	case BatchInitialized:
		return "Initialized"
	case BatchReserved:
		return "Reserved"
	case BatchSerialized:
		return "Serialized"
	case BatchReady:
		return "Ready"
	case BatchFailedAppend:
		return "FailedAppend"
	default:
		return "Unknown"
	}
}

// LogEntryBatch is the in-memory unit the append pipeline (C7) moves from
// producer to appender: 1..N entries of uniform EntryKind, their cached
// serialized bytes, a monotonic BatchState, and a one-shot completion
// callback. For REPLICATE batches it retains ownership of the payloads
// until the appender has finished with them (§3).
type LogEntryBatch struct {
	mu sync.Mutex

	Kind       walcore.EntryKind
	Replicates []walcore.ReplicateMessage
	Commits    []walcore.CommitMessage

	state BatchState
	raw   []byte // set by Serialize; EncodeReplicateEntries/EncodeCommitEntries output

	// sizeBytes is the queue-accounting size: 0 for FLUSH_MARKER, otherwise
	// the sum of each entry's Size().
	sizeBytes int

	// readyCh is closed by MarkReady, the rendezvous the appender's
	// WaitForReady blocks on (§4.6's "Serialize / MarkReady").
	readyCh chan struct{}

	callback     func(err error)
	callbackOnce sync.Once
}

// NewReplicateBatch builds a batch of REPLICATE entries. msgs must be
// non-empty and already assigned OpIDs by the caller (the consensus driver,
// C11); the pipeline never mints OpIDs itself.
func NewReplicateBatch(msgs []walcore.ReplicateMessage, callback func(error)) *LogEntryBatch {
	size := 0
	for i := range msgs {
		size += msgs[i].Size()
	}
	return &LogEntryBatch{
		Kind:       walcore.EntryReplicate,
		Replicates: msgs,
		state:      BatchInitialized,
		sizeBytes:  size,
		readyCh:    make(chan struct{}),
		callback:   callback,
	}
}

// NewCommitBatch builds a batch of COMMIT entries.
func NewCommitBatch(msgs []walcore.CommitMessage, callback func(error)) *LogEntryBatch {
	size := 0
	for i := range msgs {
		size += msgs[i].Size()
	}
	return &LogEntryBatch{
		Kind:      walcore.EntryCommit,
		Commits:   msgs,
		state:     BatchInitialized,
		sizeBytes: size,
		readyCh:   make(chan struct{}),
		callback:  callback,
	}
}

// NewFlushMarkerBatch builds the internal no-op batch used only to
// synchronize with the appender; it carries no entries, costs 0 bytes
// against the queue budget, and is never serialized to a segment (§3).
func NewFlushMarkerBatch(callback func(error)) *LogEntryBatch {
	b := &LogEntryBatch{
		Kind:    walcore.EntryFlushMarker,
		state:   BatchInitialized,
		readyCh: make(chan struct{}),
	}
	b.callback = callback
	// A flush marker needs no serialization step; it's born Ready.
	b.state = BatchReady
	close(b.readyCh)
	return b
}

// SizeBytes returns the queue-accounting size of this batch.
func (b *LogEntryBatch) SizeBytes() int { return b.sizeBytes }

func (b *LogEntryBatch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *LogEntryBatch) setState(s BatchState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// MarkReserved transitions Initialized -> Reserved. Called by Reserve once
// the batch has a slot in the queue.
func (b *LogEntryBatch) MarkReserved() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BatchInitialized {
		return fmt.Errorf("%w: cannot reserve batch in state %s", walcore.ErrIllegalState, b.state)
	}
	b.state = BatchReserved
	return nil
}

// Serialize encodes the batch's entries into raw bytes and caches them,
// transitioning Reserved -> Serialized. It does not mark the batch Ready;
// callers call MarkReady separately so producers can pipeline CPU-bound
// serialization ahead of the appender without blocking on the ready
// rendezvous (§4.6).
func (b *LogEntryBatch) Serialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BatchReserved {
		return fmt.Errorf("%w: cannot serialize batch in state %s", walcore.ErrIllegalState, b.state)
	}
	switch b.Kind {
	case walcore.EntryReplicate:
		b.raw = EncodeReplicateEntries(b.Replicates)
	case walcore.EntryCommit:
		b.raw = EncodeCommitEntries(b.Commits)
	case walcore.EntryFlushMarker:
		// never serialized
	}
	b.state = BatchSerialized
	return nil
}

// MarkReady releases the ready rendezvous, transitioning Serialized ->
// Ready. The appender's WaitForReady unblocks as soon as this is called.
func (b *LogEntryBatch) MarkReady() error {
	b.mu.Lock()
	if b.state != BatchSerialized {
		b.mu.Unlock()
		return fmt.Errorf("%w: cannot mark ready batch in state %s", walcore.ErrIllegalState, b.state)
	}
	b.state = BatchReady
	b.mu.Unlock()
	close(b.readyCh)
	return nil
}

// WaitForReady blocks until MarkReady has been called.
func (b *LogEntryBatch) WaitForReady() {
	<-b.readyCh
}

// NumEntries returns the number of entries this batch carries.
func (b *LogEntryBatch) NumEntries() int {
	switch b.Kind {
	case walcore.EntryReplicate:
		return len(b.Replicates)
	case walcore.EntryCommit:
		return len(b.Commits)
	default:
		return 0
	}
}

// RawBytes returns the cached serialized form produced by Serialize.
func (b *LogEntryBatch) RawBytes() []byte { return b.raw }

// Fail marks the batch FailedAppend and invokes its callback with err. Safe
// to call at most meaningfully once; later calls are no-ops (callbackOnce).
func (b *LogEntryBatch) Fail(err error) {
	b.setState(BatchFailedAppend)
	b.finish(err)
}

// Succeed invokes the batch's callback with a nil error, signalling
// durability.
func (b *LogEntryBatch) Succeed() {
	b.finish(nil)
}

func (b *LogEntryBatch) finish(err error) {
	b.callbackOnce.Do(func() {
		if b.callback != nil {
			b.callback(err)
		}
	})
}
