package compressors

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/nexusdb/tabletwal/walcore"
)

// SnappyCompressor implements walcore.Compressor using Snappy block
// encoding, registered alongside LZ4/Zstd as a selectable
// log_compression_codec.
type SnappyCompressor struct{}

var _ walcore.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor { return &SnappyCompressor{} }

func (c *SnappyCompressor) Type() walcore.CompressionType { return walcore.CompressionSnappy }

func (c *SnappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	base := len(dst)
	max := snappy.MaxEncodedLen(len(src))
	if max < 0 {
		return nil, fmt.Errorf("snappy compress: source too large (%d bytes)", len(src))
	}
	dst = append(dst, make([]byte, max)...)
	encoded := snappy.Encode(dst[base:], src)
	return dst[:base+len(encoded)], nil
}

func (c *SnappyCompressor) Decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	base := len(dst)
	dst = append(dst, make([]byte, uncompressedLen)...)
	decoded, err := snappy.Decode(dst[base:], src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decompress: %v", walcore.ErrCorruption, err)
	}
	return dst[:base+len(decoded)], nil
}
