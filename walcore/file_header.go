package walcore

import "fmt"

// FileHeader is the fixed-size record written at offset 0 of every WAL
// segment file. It is written once, at segment creation, before any entry
// batch is appended.
type FileHeader struct {
	Magic       uint32
	Version     uint8
	Compression CompressionType
	// SegmentSeq is the monotonically increasing sequence number assigned
	// by the registry (C5) when the segment was allocated.
	SegmentSeq uint64
}

// NewFileHeader builds the header for a freshly allocated segment.
func NewFileHeader(segmentSeq uint64, compression CompressionType) FileHeader {
	return FileHeader{
		Magic:       SegmentMagic,
		Version:     FormatVersion,
		Compression: compression,
		SegmentSeq:  segmentSeq,
	}
}

// Validate checks the header's magic and version fields, independent of any
// particular serialization. The decoder calls this after reading a header
// back from disk.
func (h FileHeader) Validate() error {
	if h.Magic != SegmentMagic {
		return fmt.Errorf("%w: bad segment magic %#x", ErrCorruption, h.Magic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported segment version %d", ErrNotSupported, h.Version)
	}
	if !h.Compression.Valid() {
		return fmt.Errorf("%w: unknown compression type %d", ErrCorruption, h.Compression)
	}
	return nil
}

// HeaderSize is the fixed wire size of FileHeader: magic(4) + version(1) +
// compression(1) + segmentSeq(8).
const HeaderSize = 4 + 1 + 1 + 8

// Footer is the fixed-size trailer record appended to a segment when it is
// closed in an orderly fashion (rollover or graceful shutdown). A segment
// without a valid footer is either the active segment or was truncated by a
// crash; readers fall back to scanning in both cases (§4.3).
type Footer struct {
	Magic             uint32
	NumEntries        uint64
	MinReplicateIndex uint64
	MaxReplicateIndex uint64
	// ClosedAtMicros is the wall-clock time the footer was written, used
	// only for diagnostics.
	ClosedAtMicros int64
}

// FooterSize is the fixed wire size of Footer: magic(4) + numEntries(8) +
// minIndex(8) + maxIndex(8) + closedAt(8).
const FooterSize = 4 + 8 + 8 + 8 + 8

func (f Footer) Validate() error {
	if f.Magic != FooterMagic {
		return fmt.Errorf("%w: bad footer magic %#x", ErrCorruption, f.Magic)
	}
	if f.NumEntries > 0 && f.MinReplicateIndex > f.MaxReplicateIndex {
		return fmt.Errorf("%w: footer min index %d > max index %d", ErrCorruption, f.MinReplicateIndex, f.MaxReplicateIndex)
	}
	return nil
}
