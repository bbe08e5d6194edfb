package wal

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// AllocationState tracks a SegmentAllocator's one-shot progress (C9):
// NotStarted -> InProgress -> Finished. A new allocation only starts after
// the previous one's result has been taken.
type AllocationState int

const (
	AllocationNotStarted AllocationState = iota
	AllocationInProgress
	AllocationFinished
)

func (s AllocationState) String() string {
	switch s {
	case AllocationNotStarted:
		return "NotStarted"
	case AllocationInProgress:
		return "InProgress"
	case AllocationFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// allocationResult is the one-shot cell StartAllocation's goroutine writes
// to and TakeAllocated reads from.
type allocationResult struct {
	segment *WritableSegment
	err     error
}

// SegmentAllocator creates the next segment's placeholder file ahead of
// when it's needed, so rollover never blocks on disk I/O on the append
// hot path (§4.8). It preallocates the placeholder to maxSegmentSize when
// that's nonzero, then renames it into its real wal-%016d name in the
// background goroutine, before the allocation is taken.
type SegmentAllocator struct {
	mu sync.Mutex

	env             sys.FsEnv
	dir             string
	maxSegmentSize  int64
	compression     walcore.CompressionType
	reservedBytes   uint64
	ioErrorFraction func() bool // injected preallocate failure, §6

	state AllocationState
	done  chan struct{}
	result allocationResult
}

// NewSegmentAllocator builds an allocator for segments in dir. reservedBytes
// is the free-space floor (§6 fs_wal_dir_reserved_bytes) checked before
// preallocating; preallocation is skipped (not failed) when maxSegmentSize
// is 0.
func NewSegmentAllocator(env sys.FsEnv, dir string, maxSegmentSize int64, compression walcore.CompressionType, reservedBytes uint64) *SegmentAllocator {
	return &SegmentAllocator{
		env:            env,
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		compression:    compression,
		reservedBytes:  reservedBytes,
	}
}

// SetFaultInjection wires the log_inject_io_error_on_preallocate_fraction
// knob: ioErrorOnPreallocate, if non-nil, is polled once per allocation and
// an injected IOError is returned instead of actually preallocating.
func (a *SegmentAllocator) SetFaultInjection(ioErrorOnPreallocate func() bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ioErrorFraction = ioErrorOnPreallocate
}

// State reports the allocator's current one-shot state.
func (a *SegmentAllocator) State() AllocationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// StartAllocation kicks off the async creation of the segment with
// sequence number seq. It is a programmer error to call this while a
// prior allocation is InProgress or Finished-but-not-yet-taken; callers
// (the appender's rollover path, C8) must call TakeAllocated first.
func (a *SegmentAllocator) StartAllocation(seq uint64) error {
	a.mu.Lock()
	if a.state != AllocationNotStarted {
		a.mu.Unlock()
		return fmt.Errorf("%w: allocation already %v, must TakeAllocated first", walcore.ErrIllegalState, a.state)
	}
	a.state = AllocationInProgress
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.run(seq)
	return nil
}

func (a *SegmentAllocator) run(seq uint64) {
	seg, err := a.allocate(seq)

	a.mu.Lock()
	a.result = allocationResult{segment: seg, err: err}
	a.state = AllocationFinished
	close(a.done)
	a.mu.Unlock()
}

func (a *SegmentAllocator) allocate(seq uint64) (*WritableSegment, error) {
	if a.reservedBytes > 0 {
		free, err := a.env.FreeSpace(a.dir)
		if err != nil {
			return nil, fmt.Errorf("%w: checking free space in %s: %v", walcore.ErrIOError, a.dir, err)
		}
		if free < a.reservedBytes {
			return nil, fmt.Errorf("%w: %s has %d bytes free, below reserved floor %d", walcore.ErrServiceUnavailable, a.dir, free, a.reservedBytes)
		}
	}

	f, tmpPath, err := a.env.NewTempWritableFile(a.dir, walcore.PlaceholderFilePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating placeholder in %s: %v", walcore.ErrIOError, a.dir, err)
	}

	header := walcore.NewFileHeader(seq, a.compression)
	if err := EncodeFileHeader(f, header); err != nil {
		f.Close()
		a.env.DeleteFile(tmpPath)
		return nil, fmt.Errorf("%w: writing placeholder header %s: %v", walcore.ErrIOError, tmpPath, err)
	}

	if a.maxSegmentSize > 0 {
		if a.ioErrorFraction != nil && a.ioErrorFraction() {
			f.Close()
			a.env.DeleteFile(tmpPath)
			return nil, fmt.Errorf("%w: injected preallocate failure for %s", walcore.ErrIOError, tmpPath)
		}
		if err := sys.Preallocate(f, a.maxSegmentSize); err != nil {
			f.Close()
			a.env.DeleteFile(tmpPath)
			return nil, fmt.Errorf("%w: preallocating placeholder %s: %v", walcore.ErrIOError, tmpPath, err)
		}
	}

	finalPath := segmentPath(a.dir, seq)
	if err := a.env.RenameFile(tmpPath, finalPath); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: renaming placeholder %s to %s: %v", walcore.ErrIOError, tmpPath, finalPath, err)
	}
	if err := a.env.SyncDir(a.dir); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: fsync dir after rename %s: %v", walcore.ErrIOError, a.dir, err)
	}

	return AdoptWritableSegment(f, finalPath, seq, int64(walcore.HeaderSize)), nil
}

// TakeAllocated blocks until the in-flight allocation finishes, then
// returns its WritableSegment (or error) and resets the allocator to
// NotStarted so the next rollover can start a fresh allocation.
func (a *SegmentAllocator) TakeAllocated() (*WritableSegment, error) {
	a.mu.Lock()
	if a.state == AllocationNotStarted {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: no allocation in progress", walcore.ErrIllegalState)
	}
	done := a.done
	a.mu.Unlock()

	<-done

	a.mu.Lock()
	res := a.result
	a.state = AllocationNotStarted
	a.result = allocationResult{}
	a.mu.Unlock()

	return res.segment, res.err
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, walcore.FormatSegmentFileName(seq))
}
