package compressors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nexusdb/tabletwal/walcore"
)

// ZstdCompressor implements walcore.Compressor using klauspost/compress's
// zstd, the "other registered codec" beyond LZ4/Snappy — useful where its
// higher compression ratio is worth the extra CPU. Encoders and decoders
// are pooled: both are expensive to construct and the append pipeline is
// single-threaded per segment, but GC and catch-up readers can run
// concurrently with the appender.
type ZstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

var _ walcore.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	c := &ZstdCompressor{}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil
		}
		return enc
	}
	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(100*1024*1024))
		if err != nil {
			return nil
		}
		return dec
	}
	return c
}

func (c *ZstdCompressor) Type() walcore.CompressionType { return walcore.CompressionZstd }

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	v := c.encoders.Get()
	if v == nil {
		return nil, fmt.Errorf("zstd compress: failed to allocate encoder")
	}
	enc := v.(*zstd.Encoder)
	defer c.encoders.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(src); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	return append(dst, buf.Bytes()...), nil
}

func (c *ZstdCompressor) Decompress(dst, src []byte, uncompressedLen int) ([]byte, error) {
	v := c.decoders.Get()
	if v == nil {
		return nil, fmt.Errorf("zstd decompress: failed to allocate decoder")
	}
	dec := v.(*zstd.Decoder)
	defer c.decoders.Put(dec)

	if err := dec.Reset(bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("%w: zstd decoder reset: %v", walcore.ErrCorruption, err)
	}
	var buf bytes.Buffer
	buf.Grow(uncompressedLen)
	if _, err := buf.ReadFrom(dec); err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", walcore.ErrCorruption, err)
	}
	return append(dst, buf.Bytes()...), nil
}
