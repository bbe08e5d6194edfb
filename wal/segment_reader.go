package wal

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// ReadableSegment is a random-access view over a segment file, generalizing
// wal/segment.go's SegmentReader to the safe-read-offset clamping §4.3
// requires: entries beyond the published safe offset must never be
// returned, whether that offset comes from a written footer (closed
// segment) or is advanced live by the appender (active segment).
type ReadableSegment struct {
	file sys.FileHandle
	path string
	seq  uint64

	header walcore.FileHeader
	// footer is nil until the segment is closed with WriteFooterAndClose.
	footer *walcore.Footer

	// safeOffset is read and written concurrently: the appender advances it
	// after every durable write (C5's update_last_segment_offset), readers
	// load it before each scan.
	safeOffset atomic.Int64

	registry *compressors.Registry
}

// OpenReadableSegment opens path for random access, reading and validating
// its header. If the file already has a footer, safeOffset is set to the
// footer's start (a fully closed segment); otherwise it starts at the
// header boundary and the caller (the registry, C5) must call
// UpdateSafeOffset as the appender advances.
func OpenReadableSegment(env sys.FsEnv, registry *compressors.Registry, path string, seq uint64) (*ReadableSegment, error) {
	f, err := env.NewRandomAccessFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening segment %s for read: %v", walcore.ErrIOError, path, err)
	}
	header, err := DecodeFileHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	rs := &ReadableSegment{file: f, path: path, seq: seq, header: header, registry: registry}
	rs.safeOffset.Store(int64(walcore.HeaderSize))

	if footerOffset, footer, ferr := tryReadFooter(f); ferr == nil {
		rs.footer = &footer
		rs.safeOffset.Store(footerOffset)
	}
	return rs, nil
}

// tryReadFooter attempts to read a valid footer from the tail of a segment
// file. Any failure (missing, truncated, bad magic) is treated as "this
// segment has no footer yet" rather than an error — it's either the active
// segment or was crash-truncated, both handled by the safe-offset fallback.
func tryReadFooter(f sys.FileHandle) (footerOffset int64, footer walcore.Footer, err error) {
	stat, err := f.Stat()
	if err != nil {
		return 0, walcore.Footer{}, err
	}
	footerStart := stat.Size() - int64(walcore.FooterSize)
	if footerStart < int64(walcore.HeaderSize) {
		return 0, walcore.Footer{}, fmt.Errorf("%w: file too small for footer", walcore.ErrCorruption)
	}
	buf := make([]byte, walcore.FooterSize)
	if _, err := f.ReadAt(buf, footerStart); err != nil {
		return 0, walcore.Footer{}, err
	}
	footer, err = DecodeFooter(bytes.NewReader(buf))
	if err != nil {
		return 0, walcore.Footer{}, err
	}
	return footerStart, footer, nil
}

func (rs *ReadableSegment) Path() string                 { return rs.path }
func (rs *ReadableSegment) Seq() uint64                   { return rs.seq }
func (rs *ReadableSegment) Header() walcore.FileHeader    { return rs.header }
func (rs *ReadableSegment) Footer() *walcore.Footer       { return rs.footer }
func (rs *ReadableSegment) HasFooter() bool               { return rs.footer != nil }
func (rs *ReadableSegment) SafeOffset() int64             { return rs.safeOffset.Load() }

// UpdateSafeOffset advances the published safe-read watermark. It must never
// be called with a footer present (closed segments never move again).
func (rs *ReadableSegment) UpdateSafeOffset(off int64) {
	if rs.footer != nil {
		return
	}
	rs.safeOffset.Store(off)
}

// ScanFrames calls fn for every frame between fromOffset and the current
// safe offset, in order, stopping early if fn returns an error. It returns
// the offset one past the last frame successfully scanned, so a caller can
// resume from there after the safe offset advances further. A corrupt frame
// is not passed to fn: scanning stops there and returns that frame's offset
// with a nil error, so the valid prefix already delivered to fn stands (§4.1).
func (rs *ReadableSegment) ScanFrames(fromOffset int64, fn func(offset int64, frame DecodedFrame) error) (nextOffset int64, err error) {
	safe := rs.SafeOffset()
	if fromOffset >= safe {
		return fromOffset, nil
	}

	sr := io.NewSectionReader(rs.file, fromOffset, safe-fromOffset)
	cr := &countingReader{r: sr}
	offset := fromOffset
	for offset < safe {
		startOffset := offset
		before := cr.n
		frame, derr := DecodeFrame(cr, rs.registry, rs.header.Compression)
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return offset, nil
		}
		offset = startOffset + (cr.n - before)
		if cbErr := fn(startOffset, frame); cbErr != nil {
			return startOffset, cbErr
		}
	}
	return offset, nil
}

// countingReader tracks total bytes read so ScanFrames can advance its
// cursor by exactly the on-disk size of each decoded frame without codec.go
// needing to report it explicitly.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Size returns the segment file's current on-disk size, used by GC's
// get_gcable_data_size and get_replay_size_map.
func (rs *ReadableSegment) Size() (int64, error) {
	stat, err := rs.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat segment %s: %v", walcore.ErrIOError, rs.path, err)
	}
	return stat.Size(), nil
}

// Close releases the underlying file handle.
func (rs *ReadableSegment) Close() error {
	return rs.file.Close()
}
