package walcore

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to the on-disk WAL format,
// magic numbers, and file-naming conventions used across the log and
// index packages.

const (
	// SegmentMagic identifies a WAL segment file header.
	SegmentMagic uint32 = 0xBAADF00D
	// FooterMagic identifies a WAL segment footer record.
	FooterMagic uint32 = 0xF00DF00D
	// IndexChunkMagic identifies a log-index chunk file.
	IndexChunkMagic uint32 = 0x494E4458 // "INDX"
)

// FormatVersion is the current on-disk format version. Readers reject any
// segment whose header version they do not recognize with ErrNotSupported.
const FormatVersion uint8 = 1

const (
	// SegmentFilePrefix forms "wal-%016d" segment names.
	SegmentFilePrefix = "wal-"
	// IndexChunkFilePrefix forms "index.%d" chunk file names.
	IndexChunkFilePrefix = "index."
	// PlaceholderFilePrefix names a not-yet-rolled-into-place segment file,
	// e.g. ".tmp.newsegment1a2b3c".
	PlaceholderFilePrefix = ".tmp.newsegment"
)

// DefaultMaxSegmentSize is the default rollover threshold for a WAL segment.
const DefaultMaxSegmentSize int64 = 64 * 1024 * 1024 // 64 MiB

// DefaultIndexChunkSize is the number of replicate indexes per on-disk
// index chunk file.
const DefaultIndexChunkSize uint64 = 4096

// FormatSegmentFileName returns the canonical file name for segment seq.
func FormatSegmentFileName(seq uint64) string {
	return fmt.Sprintf("%s%016d", SegmentFilePrefix, seq)
}

// ParseSegmentFileName extracts the sequence number from a segment file
// name produced by FormatSegmentFileName. It returns an error (not ok) for
// any other file, including placeholders and index chunks.
func ParseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, SegmentFilePrefix) {
		return 0, false
	}
	numeric := strings.TrimPrefix(name, SegmentFilePrefix)
	seq, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// FormatIndexChunkFileName returns the canonical file name for index chunk
// number chunk.
func FormatIndexChunkFileName(chunk uint64) string {
	return fmt.Sprintf("%s%d", IndexChunkFilePrefix, chunk)
}

// ParseIndexChunkFileName extracts the chunk number from an index chunk
// file name.
func ParseIndexChunkFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, IndexChunkFilePrefix) {
		return 0, false
	}
	numeric := strings.TrimPrefix(name, IndexChunkFilePrefix)
	chunk, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, false
	}
	return chunk, true
}
