package compressors

import "github.com/nexusdb/tabletwal/walcore"

// NoneCompressor implements walcore.Compressor without performing any
// compression. It is the default codec. A segment whose header names an
// unrecognized codec is rejected; readers do not fall back to this one.
type NoneCompressor struct{}

var _ walcore.Compressor = (*NoneCompressor)(nil)

func NewNoneCompressor() *NoneCompressor { return &NoneCompressor{} }

func (c *NoneCompressor) Type() walcore.CompressionType { return walcore.CompressionNone }

func (c *NoneCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoneCompressor) Decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	return append(dst, src...), nil
}
