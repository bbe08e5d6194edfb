package walcore

// CompressionType tags which registered codec was used to compress the
// entry-batch payloads within a segment. It is fixed per-segment, stored in
// the FileHeader, and never changes for the lifetime of the file.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionZstd   CompressionType = 2
	CompressionSnappy CompressionType = 3
)

func (c CompressionType) Valid() bool {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZstd, CompressionSnappy:
		return true
	default:
		return false
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Compressor compresses and decompresses entry-batch payloads for a single
// registered codec. Implementations live in the compressors package and are
// looked up by CompressionType; the WAL package never imports a specific
// codec library directly.
type Compressor interface {
	Type() CompressionType
	// Compress appends the compressed form of src to dst and returns the
	// extended slice.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst, given the
	// known uncompressed length. It returns the extended slice.
	Decompress(dst, src []byte, uncompressedLen int) ([]byte, error)
}
