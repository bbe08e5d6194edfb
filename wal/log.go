package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nexusdb/tabletwal/clock"
	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/hooks"
	"github.com/nexusdb/tabletwal/metrics"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
	"github.com/nexusdb/tabletwal/walconf"
)

// LogState tracks a Log's lifecycle (C10): Initialized -> Writing ->
// Closed. Every transition is guarded by mu.
type LogState int

const (
	LogInitialized LogState = iota
	LogWriting
	LogClosed
)

func (s LogState) String() string {
	switch s {
	case LogInitialized:
		return "Initialized"
	case LogWriting:
		return "Writing"
	case LogClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Log is the facade a tablet holds onto for its WAL (C10): it owns the
// registry, index, append pipeline, appender goroutine, and allocator for
// one tablet directory, generalizing wal.go's WAL struct (same
// responsibility split — open/rotate/close plus a background writer — but
// delegating to the C1-C9 pieces instead of wal.go's single monolithic
// type).
type Log struct {
	mu    sync.RWMutex
	state LogState

	dir  string
	env  sys.FsEnv
	comp *compressors.Registry
	conf walconf.WALConfig

	registry  *SegmentRegistry
	index     *Index
	pipeline  *AppendPipeline
	appender  *Appender
	allocator *SegmentAllocator

	hookMgr hooks.HookManager
	sink    metrics.Sink
	logger  *slog.Logger
	clk     clock.Clock
	tracer  trace.Tracer

	releaseDirLock func() error

	eg        *errgroup.Group
	runCtx    context.Context
	runCancel context.CancelFunc

	schemaMu             sync.Mutex
	pendingSchema        []byte
	pendingSchemaVersion uint32
}

// dirLockTimeout bounds how long Open waits for another process's hold on
// the directory lock to clear before giving up (§3's single-writer
// assumption: two processes racing to open the same tablet directory is a
// misconfiguration, not a condition worth blocking on indefinitely for).
const dirLockTimeout = 5 * time.Second

// entriesPerIndexChunk converts the configured chunk size into the entry
// count Index.chunkSize expects, falling back to
// walcore.DefaultIndexChunkSize if misconfigured
// (validate() already rejects <= 0 values reaching here in practice).
func entriesPerIndexChunk(conf walconf.WALConfig) uint64 {
	if conf.IndexChunkSizeEntries <= 0 {
		return walcore.DefaultIndexChunkSize
	}
	return uint64(conf.IndexChunkSizeEntries)
}

// Open creates the tablet WAL directory if missing, recovers any existing
// segments into a fresh registry and index, always starts a brand-new
// active segment (never appending into one found on disk), and starts the
// background appender. Per §4.9, the initial segment on open is always
// fresh.
func Open(env sys.FsEnv, dir string, conf walconf.WALConfig, hookMgr hooks.HookManager, sink metrics.Sink, logger *slog.Logger, clk clock.Clock) (*Log, error) {
	start := time.Now()
	if logger == nil {
		logger = slog.Default()
	}
	if hookMgr == nil {
		hookMgr = hooks.NewHookManager(logger)
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	if err := env.CreateDirIfMissing(dir); err != nil {
		return nil, err
	}

	releaseDirLock, err := sys.AcquireDirLock(dir, dirLockTimeout)
	if err != nil {
		return nil, err
	}

	comp := compressors.NewRegistry()

	registry, err := OpenSegmentRegistry(env, comp, dir)
	if err != nil {
		_ = releaseDirLock()
		return nil, err
	}
	segmentsScanned := registry.Len()

	index, err := OpenIndex(env, filepath.Join(dir, "index"), entriesPerIndexChunk(conf))
	if err != nil {
		registry.Close()
		_ = releaseDirLock()
		return nil, err
	}

	var nextSeq uint64 = 1
	if last := registry.LastSegment(); last != nil {
		nextSeq = last.Seq() + 1
	}

	allocator := NewSegmentAllocator(env, dir, conf.MaxSegmentSizeBytes, conf.CodecType(), conf.FsWalDirReservedBytes)
	wireFaultInjection(allocator, conf.FaultInjection)

	if err := allocator.StartAllocation(nextSeq); err != nil {
		registry.Close()
		index.Close()
		_ = releaseDirLock()
		return nil, err
	}
	active, err := allocator.TakeAllocated()
	if err != nil {
		registry.Close()
		index.Close()
		_ = releaseDirLock()
		return nil, err
	}
	wireFaultInjectionSegment(active, conf.FaultInjection)

	activeReadable, err := OpenReadableSegment(env, comp, active.Path(), active.Seq())
	if err != nil {
		registry.Close()
		index.Close()
		_ = releaseDirLock()
		return nil, err
	}
	registry.AppendEmptySegment(activeReadable)

	pipeline := NewAppendPipeline(int(conf.GroupCommitQueueSizeBytes))
	appender := NewAppender(pipeline, registry, index, comp, env, dir, active, conf.MaxSegmentSizeBytes, conf.CodecType(), allocator, hookMgr, sink, logger, clk, conf.AsyncPreallocateSegments)
	wireFaultInjectionAppender(appender, conf.FaultInjection)

	l := &Log{
		dir:       dir,
		env:       env,
		comp:      comp,
		conf:      conf,
		registry:  registry,
		index:     index,
		pipeline:  pipeline,
		appender:  appender,
		allocator: allocator,
		hookMgr:   hookMgr,
		sink:      sink,
		logger:    logger.With("component", "wal-log", "dir", dir),
		clk:       clk,
		tracer:    otel.Tracer("github.com/nexusdb/tabletwal/wal"),
		state:     LogWriting,

		releaseDirLock: releaseDirLock,
	}

	l.runCtx, l.runCancel = context.WithCancel(context.Background())
	eg, _ := errgroup.WithContext(l.runCtx)
	eg.Go(func() error {
		appender.Run()
		return nil
	})
	l.eg = eg

	_ = hookMgr.Trigger(context.Background(), hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		SegmentsScanned:  segmentsScanned,
		EntriesRecovered: 0,
		LastEntryOpID:    appender.LastEntryOpID(),
		Duration:         time.Since(start),
	}))

	return l, nil
}

func wireFaultInjection(a *SegmentAllocator, f walconf.FaultInjectionConfig) {
	if f.IOErrorOnPreallocateFraction <= 0 {
		return
	}
	frac := f.IOErrorOnPreallocateFraction
	a.SetFaultInjection(func() bool { return rand.Float64() < frac })
}

func wireFaultInjectionAppender(a *Appender, f walconf.FaultInjectionConfig) {
	if f.CrashBeforeAppendCommit {
		a.SetCrashBeforeAppendCommit(true)
	}
}

func wireFaultInjectionSegment(s *WritableSegment, f walconf.FaultInjectionConfig) {
	var ioErrFn func() bool
	if f.IOErrorOnAppendFraction > 0 {
		frac := f.IOErrorOnAppendFraction
		ioErrFn = func() bool { return rand.Float64() < frac }
	}
	s.SetFaultInjection(
		time.Duration(f.LatencyBeforeAppendMs)*time.Millisecond,
		time.Duration(f.LatencyBeforeSyncMs)*time.Millisecond,
		ioErrFn,
	)
}

// Pipeline exposes the append pipeline producers reserve batches against.
func (l *Log) Pipeline() *AppendPipeline { return l.pipeline }

// Index exposes the log index for lookups.
func (l *Log) Index() *Index { return l.index }

// Registry exposes the segment registry for readers.
func (l *Log) Registry() *SegmentRegistry { return l.registry }

// LastEntryOpID returns the highest OpID ever appended this process.
func (l *Log) LastEntryOpID() walcore.OpID { return l.appender.LastEntryOpID() }

// State reports the Log's current lifecycle state.
func (l *Log) State() LogState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Rollover forces the active segment to roll over immediately, regardless
// of its current size — used, e.g., to make a just-set schema (via
// SetSchemaForNextSegment) take effect sooner than the next size-triggered
// rollover.
func (l *Log) Rollover() error {
	_, span := l.tracer.Start(context.Background(), "Log.Rollover")
	defer span.End()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != LogWriting {
		err := fmt.Errorf("%w: cannot roll over a Log in state %s", walcore.ErrIllegalState, l.state)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := l.appender.ForceRollover(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// TruncateAfter discards every appended REPLICATE entry with index >
// opID.Index, for the consensus driver's replace-on-divergence path.
// See Appender.TruncateAfter for the segment-reach limitation.
func (l *Log) TruncateAfter(opID walcore.OpID) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != LogWriting {
		return 0, fmt.Errorf("%w: cannot truncate a Log in state %s", walcore.ErrIllegalState, l.state)
	}
	return l.appender.TruncateAfter(opID)
}

// SetSchemaForNextSegment records a schema to be applied starting with the
// next segment created by rollover; in-flight segments are unaffected.
// version is an opaque, caller-assigned schema version number.
//
// The segment header wire format (codec.go) is fixed-width and does not
// carry a variable-length schema payload; the pending schema is tracked
// here for the tablet server to read back and log/apply alongside the
// rollover it requested, rather than embedded in the segment file itself.
func (l *Log) SetSchemaForNextSegment(schema []byte, version uint32) {
	l.schemaMu.Lock()
	defer l.schemaMu.Unlock()
	l.pendingSchema = append([]byte(nil), schema...)
	l.pendingSchemaVersion = version
}

// PendingSchemaForNextSegment returns the most recently set schema and
// version, if any has been set via SetSchemaForNextSegment.
func (l *Log) PendingSchemaForNextSegment() ([]byte, uint32) {
	l.schemaMu.Lock()
	defer l.schemaMu.Unlock()
	return l.pendingSchema, l.pendingSchemaVersion
}

// gcPrefix computes the oldest-to-newest list of segments eligible for
// deletion under retention, per §4.9's stop-condition walk. segs must be
// ordered oldest-to-newest (as SegmentRegistry.Snapshot returns them).
func gcPrefix(segs []*ReadableSegment, retention walcore.RetentionIndexes, minRetain, maxRetain int) []*ReadableSegment {
	remaining := len(segs)
	var eligible []*ReadableSegment
	for _, seg := range segs {
		if remaining <= minRetain {
			break
		}
		if !seg.HasFooter() {
			break
		}
		maxIdx := seg.Footer().MaxReplicateIndex
		if maxIdx >= retention.ForDurability {
			break
		}
		if maxIdx >= retention.ForPeers && remaining <= maxRetain {
			break
		}
		eligible = append(eligible, seg)
		remaining--
	}
	return eligible
}

// GC deletes the prefix of segments that retention no longer requires,
// returning the number of segments removed, per §4.9's gc(retention) ->
// num_gced.
func (l *Log) GC(retention walcore.RetentionIndexes) (int, error) {
	ctx, span := l.tracer.Start(context.Background(), "Log.GC")
	defer span.End()

	l.mu.RLock()
	if l.state != LogWriting {
		l.mu.RUnlock()
		err := fmt.Errorf("%w: cannot GC a Log in state %s", walcore.ErrIllegalState, l.state)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	l.mu.RUnlock()

	segs := l.registry.Snapshot()
	before := len(segs)
	eligible := gcPrefix(segs, retention, l.conf.MinSegmentsToRetain, l.conf.MaxSegmentsToRetain)
	if len(eligible) == 0 {
		return 0, nil
	}

	_ = l.hookMgr.Trigger(ctx, hooks.NewPreGCEvent(hooks.GCPayload{
		Retention:      retention,
		SegmentsBefore: before,
	}))

	upTo := eligible[len(eligible)-1].Seq()
	removed := l.registry.TrimSegmentsUpToAndIncluding(upTo)

	var bytesReclaimed int64
	for _, seg := range removed {
		if sz, err := seg.Size(); err == nil {
			bytesReclaimed += sz
		}
		path := seg.Path()
		if err := seg.Close(); err != nil {
			l.logger.Warn("closing GC'd segment", "path", path, "err", err)
		}
		if err := l.env.DeleteFile(path); err != nil {
			l.logger.Warn("deleting GC'd segment", "path", path, "err", err)
		}
	}

	if floor, ok := l.registry.MinReplicateIndex(); ok {
		if err := l.index.GCBelow(floor); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return len(removed), err
		}
	}

	_ = l.hookMgr.Trigger(ctx, hooks.NewPostGCEvent(hooks.GCPayload{
		Retention:      retention,
		SegmentsBefore: before,
		SegmentsAfter:  l.registry.Len(),
		BytesReclaimed: bytesReclaimed,
	}))

	span.SetAttributes(attribute.Int("segments_removed", len(removed)), attribute.Int64("bytes_reclaimed", bytesReclaimed))
	return len(removed), nil
}

// GetGCableDataSize returns the total file-size sum of the segments GC
// would currently remove under retention, without mutating any state.
func (l *Log) GetGCableDataSize(retention walcore.RetentionIndexes) (int64, error) {
	segs := l.registry.Snapshot()
	eligible := gcPrefix(segs, retention, l.conf.MinSegmentsToRetain, l.conf.MaxSegmentsToRetain)

	var total int64
	for _, seg := range eligible {
		sz, err := seg.Size()
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// GetReplaySizeMap returns, for every footered segment, the cumulative
// on-disk size of that segment and every later one, keyed by the
// segment's max_replicate_index — an estimate of how many bytes a reader
// would need to scan to replay from that point forward.
func (l *Log) GetReplaySizeMap() (map[uint64]int64, error) {
	segs := l.registry.Snapshot()
	out := make(map[uint64]int64, len(segs))

	var cumulative int64
	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		sz, err := seg.Size()
		if err != nil {
			return nil, err
		}
		cumulative += sz
		if seg.HasFooter() {
			out[seg.Footer().MaxReplicateIndex] = cumulative
		}
	}
	return out, nil
}

// errStopScan aborts ScanFrames after its first frame once OpIDAt has what
// it needs, without surfacing a spurious error to the caller.
var errStopScan = errors.New("wal: stop scan")

// OpIDAt returns the full OpID recorded at replicate index, if any entry
// has been appended for it. Unlike Index.Lookup, which only locates the
// entry's segment and offset, OpIDAt reads the entry back to confirm its
// term — the consensus driver's log-matching-property check needs the
// term actually stored at an index, not just its presence.
func (l *Log) OpIDAt(index uint64) (walcore.OpID, bool, error) {
	entry, ok := l.index.Lookup(index)
	if !ok {
		return walcore.OpID{}, false, nil
	}

	var seg *ReadableSegment
	for _, s := range l.registry.Snapshot() {
		if s.Seq() == entry.SegmentSeq {
			seg = s
			break
		}
	}
	if seg == nil {
		return walcore.OpID{}, false, fmt.Errorf("%w: segment %d for index %d not found in registry", walcore.ErrCorruption, entry.SegmentSeq, index)
	}

	var found walcore.OpID
	foundOK := false
	_, err := seg.ScanFrames(entry.Offset, func(_ int64, frame DecodedFrame) error {
		if frame.Kind == walcore.EntryReplicate {
			msgs, derr := DecodeReplicateEntries(frame.Raw, int(frame.NumEntries))
			if derr != nil {
				return derr
			}
			for _, m := range msgs {
				if m.OpID.Index == index {
					found = m.OpID
					foundOK = true
				}
			}
		}
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return walcore.OpID{}, false, err
	}
	return found, foundOK, nil
}

// Close shuts down the appender, syncs and footers the active segment, and
// releases the index and registry. It does not stop or wait for an
// in-flight segment allocation. Close is
// idempotent; closing a Log that never finished Open is IllegalState.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case LogClosed:
		return nil
	case LogInitialized:
		return fmt.Errorf("%w: cannot close an uninitialized Log", walcore.ErrIllegalState)
	}

	l.pipeline.Shutdown()
	select {
	case <-l.appender.Done():
	case <-time.After(30 * time.Second):
		l.logger.Error("appender did not shut down within timeout")
	}
	l.runCancel()
	_ = l.eg.Wait()

	var firstErr error
	if err := l.appender.CloseActiveSegment(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if l.releaseDirLock != nil {
		if err := l.releaseDirLock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.state = LogClosed
	return firstErr
}
