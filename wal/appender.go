package wal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nexusdb/tabletwal/clock"
	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/hooks"
	"github.com/nexusdb/tabletwal/metrics"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// Appender is the single consumer that drains AppendPipeline, writes
// framed batches to the active segment, groups them under one fsync, and
// invokes each batch's completion callback (C8), per §4.7's do_append
// sequence. Grounded on wal/committer.go's group-commit buffering, but
// generalized to the Reserve/Serialize/MarkReady pipeline and the framed
// segment format of codec.go.
type Appender struct {
	pipeline *AppendPipeline
	registry *SegmentRegistry
	index    *Index
	comp     *compressors.Registry
	hookMgr  hooks.HookManager
	metrics  metrics.Sink
	logger   *slog.Logger

	env            sys.FsEnv
	dir            string
	maxSegmentSize int64
	segmentCodec   walcore.CompressionType
	allocator      *SegmentAllocator
	clk            clock.Clock

	// asyncPreallocate only matters when a frame would push the active
	// segment past its size cap and no allocation has been started yet:
	// when true, doAppend starts the allocation and keeps writing into the
	// active segment; when false, it rolls over synchronously. An
	// allocation already in progress lets writes continue either way (§4.7).
	asyncPreallocate bool

	// crashBeforeAppendCommit simulates a process crash between replicate
	// and commit durability: while true, doAppend returns an error without
	// writing or acknowledging every COMMIT-kind batch it is given (§6
	// fault_crash_before_append_commit).
	crashBeforeAppendCommit bool

	// FatalOnAppendError is invoked instead of os.Exit when a write or
	// fsync to the active segment fails, per §7's "IOError on append is
	// fatal to the process". Tests override it to capture the error
	// instead of tearing down the process.
	FatalOnAppendError func(error)

	mu     sync.Mutex
	active *WritableSegment

	// footerAcc accumulates stats for the segment currently being written,
	// reset on each rollover, consumed when the segment is footered.
	footerAcc footerAccumulator

	// lastEntryOpID is updated before the corresponding write is issued
	// (KUDU-527: a crash between the update and the fsync is safe because
	// readers fall back to scanning; a crash before the update is the one
	// case that would be unsafe, hence updating first).
	lastEntryMu   sync.Mutex
	lastEntryOpID walcore.OpID

	done chan struct{}
}

type footerAccumulator struct {
	numEntries uint64
	minIndex   uint64
	maxIndex   uint64
	hasAny     bool
}

func (a *footerAccumulator) observe(msgs []walcore.ReplicateMessage) {
	for _, m := range msgs {
		a.numEntries++
		if !a.hasAny || m.OpID.Index < a.minIndex {
			a.minIndex = m.OpID.Index
		}
		if !a.hasAny || m.OpID.Index > a.maxIndex {
			a.maxIndex = m.OpID.Index
		}
		a.hasAny = true
	}
}

func (a footerAccumulator) toFooter(closedAtMicros int64) walcore.Footer {
	return walcore.Footer{
		Magic:             walcore.FooterMagic,
		NumEntries:        a.numEntries,
		MinReplicateIndex: a.minIndex,
		MaxReplicateIndex: a.maxIndex,
		ClosedAtMicros:    closedAtMicros,
	}
}

// NewAppender wires the pipeline, registry, and index together around an
// already-active writable segment. seq is the sequence number of active;
// the caller has already appended its readable view to registry.
func NewAppender(pipeline *AppendPipeline, registry *SegmentRegistry, index *Index, comp *compressors.Registry, env sys.FsEnv, dir string, active *WritableSegment, maxSegmentSize int64, segmentCodec walcore.CompressionType, allocator *SegmentAllocator, hookMgr hooks.HookManager, sink metrics.Sink, logger *slog.Logger, clk clock.Clock, asyncPreallocate bool) *Appender {
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	a := &Appender{
		pipeline:         pipeline,
		registry:         registry,
		index:            index,
		comp:             comp,
		hookMgr:          hookMgr,
		metrics:          sink,
		logger:           logger.With("component", "wal-appender"),
		env:              env,
		dir:              dir,
		maxSegmentSize:   maxSegmentSize,
		segmentCodec:     segmentCodec,
		allocator:        allocator,
		clk:              clk,
		active:           active,
		asyncPreallocate: asyncPreallocate,
		done:             make(chan struct{}),
	}
	a.FatalOnAppendError = a.defaultFatal
	return a
}

// SetCrashBeforeAppendCommit wires the fault_crash_before_append_commit
// knob (§6): while on, every COMMIT-kind batch is rejected before it is
// written or acknowledged; it stays on until set to false.
func (a *Appender) SetCrashBeforeAppendCommit(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.crashBeforeAppendCommit = on
}

func (a *Appender) defaultFatal(err error) {
	a.logger.Error("fatal WAL append error, terminating process", "err", err)
	os.Exit(1)
}

// LastEntryOpID returns the OpID of the most recently appended REPLICATE
// entry, or walcore.MinOpID if none has been appended yet this process.
func (a *Appender) LastEntryOpID() walcore.OpID {
	a.lastEntryMu.Lock()
	defer a.lastEntryMu.Unlock()
	return a.lastEntryOpID
}

// Run drains the pipeline until it is shut down and empty. It is meant to
// run on its own goroutine; Done() reports when it has exited.
func (a *Appender) Run() {
	defer close(a.done)
	for {
		batches, ok := a.pipeline.BlockingDrainTo()
		if !ok {
			return
		}
		a.processGroup(batches)
	}
}

// Done returns a channel closed once Run has returned.
func (a *Appender) Done() <-chan struct{} { return a.done }

func (a *Appender) processGroup(batches []*LogEntryBatch) {
	allCommitOrMarker := true
	wroteAny := false

	for _, batch := range batches {
		batch.WaitForReady()

		if batch.Kind == walcore.EntryFlushMarker {
			continue
		}
		if batch.Kind != walcore.EntryCommit {
			allCommitOrMarker = false
		}

		if err := a.doAppend(batch); err != nil {
			batch.Fail(err)
			a.FatalOnAppendError(err)
			continue
		}
		wroteAny = true
	}

	if wroteAny && !allCommitOrMarker {
		if err := a.syncActive(); err != nil {
			for _, batch := range batches {
				batch.Fail(err)
			}
			a.FatalOnAppendError(err)
			return
		}
	}

	if wroteAny {
		a.mu.Lock()
		a.registry.UpdateLastSegmentOffset(a.active.WrittenOffset())
		a.mu.Unlock()
	}

	for _, batch := range batches {
		if batch.State() != BatchFailedAppend {
			batch.Succeed()
		}
	}
}

// doAppend writes one batch's frame to the active segment and records the
// entries' location in the index. If the frame would push the segment past
// its size cap, it first acts on the allocation state as described below.
// The new safe-read offset is published by processGroup after the group's
// fsync, not here.
func (a *Appender) doAppend(batch *LogEntryBatch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if batch.Kind == walcore.EntryCommit && a.crashBeforeAppendCommit {
		return fmt.Errorf("%w: injected crash before append commit", walcore.ErrIOError)
	}

	raw := batch.RawBytes()
	codec, err := a.comp.Get(a.segmentCodec)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(batch.Kind, uint16(batch.NumEntries()), raw, codec)
	if err != nil {
		return err
	}

	if a.active.WrittenOffset()+int64(len(frame)) > a.maxSegmentSize {
		// §4.7's three-way branch on allocation state, mirrored from
		// log.cc's DoAppend: a not-yet-started allocation is kicked off
		// here and only rolled over synchronously if async preallocation
		// is disabled; an allocation already in progress is left alone,
		// so the active segment keeps accepting writes past its nominal
		// size cap until the background allocation finishes; a finished
		// allocation rolls over immediately since TakeAllocated won't
		// block.
		switch a.allocator.State() {
		case AllocationNotStarted:
			if err := a.allocator.StartAllocation(a.active.Seq() + 1); err != nil {
				return err
			}
			if !a.asyncPreallocate {
				if err := a.rolloverLocked(); err != nil {
					return err
				}
			}
		case AllocationFinished:
			if err := a.rolloverLocked(); err != nil {
				return err
			}
		case AllocationInProgress:
			// allocation still running; keep writing into the active
			// segment rather than blocking this call on it.
		}
	}

	if batch.Kind == walcore.EntryReplicate {
		a.lastEntryMu.Lock()
		last := batch.Replicates[len(batch.Replicates)-1]
		a.lastEntryOpID = last.OpID
		a.lastEntryMu.Unlock()
	}

	startOffset, err := a.active.AppendEntryBatch(frame)
	if err != nil {
		return err
	}

	seq := a.active.Seq()

	if batch.Kind == walcore.EntryReplicate {
		a.footerAcc.observe(batch.Replicates)
		for _, m := range batch.Replicates {
			if err := a.index.AddEntry(IndexEntry{Index: m.OpID.Index, SegmentSeq: seq, Offset: startOffset}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Appender) syncActive() error {
	return a.active.Sync()
}

// ForceRollover rolls the active segment over to the next one regardless
// of its current size, for the Log facade's explicit Rollover operation
// (e.g. before a schema change takes effect).
func (a *Appender) ForceRollover() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rolloverLocked()
}

// ActiveSegmentSeq reports the sequence number of the currently active
// segment.
func (a *Appender) ActiveSegmentSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active.Seq()
}

// CloseActiveSegment footers and closes the active segment in place,
// without allocating a replacement. Run must already have returned (the
// pipeline drained and shut down) before calling this — it is the Log
// facade's final step on Close, not part of the rollover path.
func (a *Appender) CloseActiveSegment() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	footer := a.footerAcc.toFooter(a.clk.NowMicros())
	if err := a.active.WriteFooterAndClose(footer); err != nil {
		return err
	}
	closedReadable, err := OpenReadableSegment(a.env, a.comp, a.active.Path(), a.active.Seq())
	if err != nil {
		return err
	}
	return a.registry.ReplaceLastSegment(closedReadable)
}

// TruncateAfter discards every appended REPLICATE entry with index >
// opID.Index, for the consensus driver's replace-on-divergence path
// (§4.10 point 4, KUDU-644). It only reaches into the active segment;
// §4.10's scenarios only ever replace recently appended, not-yet-rolled-
// over entries, so a truncation point inside an already-closed segment
// returns ErrNotSupported rather than rewriting historical segments.
// Returns the number of index entries removed.
func (a *Appender) TruncateAfter(opID walcore.OpID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.index.Lookup(opID.Index + 1)
	if !ok {
		return 0, nil
	}
	if entry.SegmentSeq != a.active.Seq() {
		return 0, fmt.Errorf("%w: truncation point is in segment %d, active is %d", walcore.ErrNotSupported, entry.SegmentSeq, a.active.Seq())
	}

	if err := a.active.TruncateToOffset(entry.Offset); err != nil {
		return 0, err
	}
	removed, err := a.index.TruncateFrom(opID.Index + 1)
	if err != nil {
		return removed, err
	}

	readable, err := OpenReadableSegment(a.env, a.comp, a.active.Path(), a.active.Seq())
	if err != nil {
		return removed, err
	}
	defer readable.Close()
	readable.UpdateSafeOffset(a.active.WrittenOffset())

	acc := footerAccumulator{}
	if _, err := readable.ScanFrames(int64(walcore.HeaderSize), func(_ int64, frame DecodedFrame) error {
		if frame.Kind != walcore.EntryReplicate {
			return nil
		}
		msgs, derr := DecodeReplicateEntries(frame.Raw, int(frame.NumEntries))
		if derr != nil {
			return derr
		}
		acc.observe(msgs)
		return nil
	}); err != nil {
		return removed, err
	}
	a.footerAcc = acc
	a.registry.UpdateLastSegmentOffset(a.active.WrittenOffset())

	a.lastEntryMu.Lock()
	a.lastEntryOpID = opID
	a.lastEntryMu.Unlock()

	return removed, nil
}

// rolloverLocked closes out the active segment with a footer, swaps in the
// next preallocated (or synchronously created) segment, and kicks off
// allocation for the one after that. a.mu must be held.
func (a *Appender) rolloverLocked() error {
	oldSeq := a.active.Seq()

	next, err := a.takeOrCreateNext(oldSeq + 1)
	if err != nil {
		return fmt.Errorf("rollover from segment %d: %w", oldSeq, err)
	}

	footer := a.footerAcc.toFooter(a.clk.NowMicros())
	if err := a.active.WriteFooterAndClose(footer); err != nil {
		return err
	}
	closedPath := a.active.Path()
	closedReadable, err := OpenReadableSegment(a.env, a.comp, closedPath, oldSeq)
	if err != nil {
		return err
	}
	if err := a.registry.ReplaceLastSegment(closedReadable); err != nil {
		return err
	}

	a.footerAcc = footerAccumulator{}
	a.active = next
	nextReadable, err := OpenReadableSegment(a.env, a.comp, next.Path(), next.Seq())
	if err != nil {
		return err
	}
	a.registry.AppendEmptySegment(nextReadable)

	if a.hookMgr != nil {
		_ = a.hookMgr.Trigger(context.Background(), hooks.NewPostRotateEvent(hooks.PostRotatePayload{
			OldSegmentSeq:  oldSeq,
			NewSegmentSeq:  next.Seq(),
			NewSegmentPath: next.Path(),
		}))
	}

	return a.allocator.StartAllocation(next.Seq() + 1)
}

func (a *Appender) takeOrCreateNext(seq uint64) (*WritableSegment, error) {
	switch a.allocator.State() {
	case AllocationNotStarted:
		if err := a.allocator.StartAllocation(seq); err != nil {
			return nil, err
		}
	case AllocationFinished, AllocationInProgress:
		// fall through to TakeAllocated, which blocks until Finished
	}
	return a.allocator.TakeAllocated()
}
