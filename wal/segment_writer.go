package wal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// WritableSegment owns the append-only file handle for the active segment,
// generalizing wal/segment.go's SegmentWriter to the framed, CRC'd,
// optionally compressed format of codec.go, plus the fault-injection points
// §4.2 requires tests be able to observe.
type WritableSegment struct {
	mu sync.Mutex

	file sys.FileHandle
	path string
	seq  uint64

	writtenOffset int64

	// injectLatencyBeforeAppend/injectLatencyBeforeSync simulate a slow
	// disk (§6 log_inject_latency*); injectIOErrorOnAppendFraction draws a
	// failure with that probability on each AppendEntryBatch call.
	injectLatencyBeforeAppend time.Duration
	injectLatencyBeforeSync   time.Duration
	injectIOErrorOnAppend     func() bool
}

// CreateWritableSegment creates a brand-new segment file at path via env,
// writes its header, and returns a WritableSegment ready for appends.
func CreateWritableSegment(env sys.FsEnv, path string, seq uint64, compression walcore.CompressionType) (*WritableSegment, error) {
	f, err := env.NewWritableFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: creating segment %s: %v", walcore.ErrIOError, path, err)
	}
	header := walcore.NewFileHeader(seq, compression)
	if err := EncodeFileHeader(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: writing segment header %s: %v", walcore.ErrIOError, path, err)
	}
	return &WritableSegment{
		file:          f,
		path:          path,
		seq:           seq,
		writtenOffset: int64(walcore.HeaderSize),
	}, nil
}

// AdoptWritableSegment wraps an already-open, already-headered file handle
// (used when the allocator (C9) hands off a preallocated placeholder that
// has just been renamed into place).
func AdoptWritableSegment(f sys.FileHandle, path string, seq uint64, writtenOffset int64) *WritableSegment {
	return &WritableSegment{file: f, path: path, seq: seq, writtenOffset: writtenOffset}
}

func (s *WritableSegment) Path() string { return s.path }
func (s *WritableSegment) Seq() uint64  { return s.seq }

// WrittenOffset returns the offset one past the last byte of the last
// successfully appended frame. Appends only increase it; TruncateToOffset
// lowers it. It is the source of the safe-read watermark published to
// readers.
func (s *WritableSegment) WrittenOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writtenOffset
}

// SetFaultInjection wires the §6 log_inject_* knobs into this segment.
func (s *WritableSegment) SetFaultInjection(latencyBeforeAppend, latencyBeforeSync time.Duration, ioErrorOnAppend func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectLatencyBeforeAppend = latencyBeforeAppend
	s.injectLatencyBeforeSync = latencyBeforeSync
	s.injectIOErrorOnAppend = ioErrorOnAppend
}

// AppendEntryBatch writes one already-framed entry-batch record (as
// produced by EncodeFrame) to the segment, advancing writtenOffset. It does
// not fsync; callers group multiple appends under one Sync per §4.7.
func (s *WritableSegment) AppendEntryBatch(frame []byte) (startOffset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.injectLatencyBeforeAppend > 0 {
		time.Sleep(s.injectLatencyBeforeAppend)
	}
	if s.injectIOErrorOnAppend != nil && s.injectIOErrorOnAppend() {
		return 0, fmt.Errorf("%w: injected append failure on segment %s", walcore.ErrIOError, s.path)
	}

	start := s.writtenOffset
	if _, err := s.file.WriteAt(frame, start); err != nil {
		return 0, fmt.Errorf("%w: writing frame to %s at offset %d: %v", walcore.ErrIOError, s.path, start, err)
	}
	s.writtenOffset = start + int64(len(frame))
	return start, nil
}

// Sync forces the written bytes to durable storage. Per §7, a failing Sync
// is fatal to the process that owns this log.
func (s *WritableSegment) Sync() error {
	s.mu.Lock()
	latency := s.injectLatencyBeforeSync
	s.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync segment %s: %v", walcore.ErrIOError, s.path, err)
	}
	return nil
}

// TruncateToOffset discards every byte at or after offset, for the
// consensus driver's replace-on-divergence path (§4.10's "truncation on
// replace", KUDU-644). offset must not exceed the current written offset.
func (s *WritableSegment) TruncateToOffset(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset > s.writtenOffset {
		return fmt.Errorf("%w: truncate offset %d exceeds written offset %d in %s", walcore.ErrInvalidArgument, offset, s.writtenOffset, s.path)
	}
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncating %s to %d: %v", walcore.ErrIOError, s.path, offset, err)
	}
	s.writtenOffset = offset
	return nil
}

// Preallocate reserves disk space for the first n bytes of the file,
// a no-op on platforms sys.Preallocate doesn't support.
func (s *WritableSegment) Preallocate(n int64) error {
	if err := sys.Preallocate(s.file, n); err != nil {
		if errors.Is(err, sys.ErrPreallocNotSupported) {
			return nil
		}
		return fmt.Errorf("preallocate segment %s to %d bytes: %w", s.path, n, err)
	}
	return nil
}

// WriteFooterAndClose appends the segment's footer record and closes the
// file handle. The segment must not be appended to again afterward.
func (s *WritableSegment) WriteFooterAndClose(footer walcore.Footer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(s.writtenOffset); err != nil {
		return fmt.Errorf("%w: truncating %s before footer: %v", walcore.ErrIOError, s.path, err)
	}
	if _, err := s.file.Seek(s.writtenOffset, 0); err != nil {
		return fmt.Errorf("%w: seeking to footer offset in %s: %v", walcore.ErrIOError, s.path, err)
	}
	if err := EncodeFooter(s.file, footer); err != nil {
		return fmt.Errorf("%w: writing footer to %s: %v", walcore.ErrIOError, s.path, err)
	}
	s.writtenOffset += int64(walcore.FooterSize)
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync footer %s: %v", walcore.ErrIOError, s.path, err)
	}
	return s.file.Close()
}

// Close closes the file handle without writing a footer, for the
// crash-truncated / abandoned-on-error path.
func (s *WritableSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
