package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// SegmentRegistry holds the ordered set of readable segments for one tablet
// WAL directory (C5), generalizing wal.go's segmentIndexes bookkeeping to
// the operations §4.5 names explicitly: Snapshot, AppendEmptySegment,
// ReplaceLastSegment, TrimSegmentsUpToAndIncluding, UpdateLastSegmentOffset,
// MinReplicateIndex.
type SegmentRegistry struct {
	mu sync.RWMutex

	dir      string
	env      sys.FsEnv
	registry *compressors.Registry

	// segments is ordered oldest-to-newest by Seq. The last element is the
	// active, writable segment's readable view.
	segments []*ReadableSegment
}

// OpenSegmentRegistry scans dir with os.ReadDir directly (mirroring
// wal.go's loadSegments, which never routed directory listing through the
// sys abstraction) and opens a ReadableSegment for every wal-%016d file
// found, in sequence order.
func OpenSegmentRegistry(env sys.FsEnv, registry *compressors.Registry, dir string) (*SegmentRegistry, error) {
	if err := env.CreateDirIfMissing(dir); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing WAL directory %s: %v", walcore.ErrIOError, dir, err)
	}

	var seqs []uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if seq, ok := walcore.ParseSegmentFileName(f.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	r := &SegmentRegistry{dir: dir, env: env, registry: registry}
	for _, seq := range seqs {
		rs, err := OpenReadableSegment(env, registry, filepath.Join(dir, walcore.FormatSegmentFileName(seq)), seq)
		if err != nil {
			return nil, fmt.Errorf("opening existing segment %d: %w", seq, err)
		}
		r.segments = append(r.segments, rs)
	}
	return r, nil
}

// Snapshot returns a shallow copy of the current segment list: cheap,
// stable against concurrent registry mutation, and safe for a reader to
// hold onto across multiple calls.
func (r *SegmentRegistry) Snapshot() []*ReadableSegment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ReadableSegment, len(r.segments))
	copy(out, r.segments)
	return out
}

// LastSegment returns the current active (newest) segment, or nil if the
// registry is empty.
func (r *SegmentRegistry) LastSegment() *ReadableSegment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.segments) == 0 {
		return nil
	}
	return r.segments[len(r.segments)-1]
}

// AppendEmptySegment adds seg as the new active segment on rollover.
func (r *SegmentRegistry) AppendEmptySegment(seg *ReadableSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
}

// ReplaceLastSegment swaps the current active segment's readable view for
// seg — used when the active segment has just been footered and closed,
// so readers see the closed, fully-safe view instead of the live one.
func (r *SegmentRegistry) ReplaceLastSegment(seg *ReadableSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments) == 0 {
		return fmt.Errorf("%w: cannot replace last segment of an empty registry", walcore.ErrIllegalState)
	}
	r.segments[len(r.segments)-1] = seg
	return nil
}

// UpdateLastSegmentOffset advances the active segment's published safe-read
// offset, exposing newly-durable bytes to readers (§4.5, §4.7).
func (r *SegmentRegistry) UpdateLastSegmentOffset(off int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.segments) == 0 {
		return
	}
	r.segments[len(r.segments)-1].UpdateSafeOffset(off)
}

// TrimSegmentsUpToAndIncluding removes every segment with seq <= upToSeq
// from the in-memory list under the registry's lock, returning the removed
// segments so the caller (GC) can close and delete their files outside the
// lock, per §4.9's "trim under the lock, delete files outside it".
func (r *SegmentRegistry) TrimSegmentsUpToAndIncluding(upToSeq uint64) []*ReadableSegment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*ReadableSegment
	var kept []*ReadableSegment
	for _, seg := range r.segments {
		if seg.Seq() <= upToSeq {
			removed = append(removed, seg)
		} else {
			kept = append(kept, seg)
		}
	}
	r.segments = kept
	return removed
}

// MinReplicateIndex returns the smallest MinReplicateIndex across remaining
// footered segments, used to bound index-chunk GC (§4.5). Segments without
// a footer (the active one) don't contribute a bound.
func (r *SegmentRegistry) MinReplicateIndex() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, seg := range r.segments {
		if f := seg.Footer(); f != nil && f.NumEntries > 0 {
			return f.MinReplicateIndex, true
		}
	}
	return 0, false
}

// Len reports the number of segments currently tracked.
func (r *SegmentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

// Close closes every tracked segment's file handle.
func (r *SegmentRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, seg := range r.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
