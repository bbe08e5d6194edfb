package compressors

import (
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/nexusdb/tabletwal/walcore"
)

// LZ4Compressor implements walcore.Compressor using the LZ4 block format.
// Unlike the stream format, blocks don't self-describe their uncompressed
// size, which is why every caller in wal/ threads the length through from
// the frame header instead of guessing and retrying.
type LZ4Compressor struct{}

var _ walcore.Compressor = (*LZ4Compressor)(nil)

func NewLZ4Compressor() *LZ4Compressor { return &LZ4Compressor{} }

func (c *LZ4Compressor) Type() walcore.CompressionType { return walcore.CompressionLZ4 }

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	base := len(dst)
	dst = append(dst, make([]byte, bound)...)

	n, err := lz4.CompressBlock(src, dst[base:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 && len(src) > 0 {
		return nil, fmt.Errorf("lz4 compress: produced zero bytes for non-empty input")
	}
	return dst[:base+n], nil
}

func (c *LZ4Compressor) Decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	if uncompressedLen == 0 {
		return dst, nil
	}
	base := len(dst)
	dst = append(dst, make([]byte, uncompressedLen)...)

	n, err := lz4.UncompressBlock(src, dst[base:])
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", walcore.ErrCorruption, err)
	}
	if n != uncompressedLen {
		return nil, fmt.Errorf("%w: lz4 decompress produced %d bytes, expected %d", walcore.ErrCorruption, n, uncompressedLen)
	}
	return dst, nil
}
