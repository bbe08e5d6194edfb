package compressors

import (
	"fmt"

	"github.com/nexusdb/tabletwal/walcore"
)

// Registry maps a CompressionType, as stored in a segment's FileHeader, to
// the Compressor that implements it. wal.Log builds one at Open time so
// every component consuming a segment shares the same codec set.
type Registry struct {
	byType map[walcore.CompressionType]walcore.Compressor
}

// NewRegistry returns a Registry preloaded with all built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[walcore.CompressionType]walcore.Compressor, 4)}
	r.Register(NewNoneCompressor())
	r.Register(NewLZ4Compressor())
	r.Register(NewSnappyCompressor())
	r.Register(NewZstdCompressor())
	return r
}

// Register adds or replaces the codec for its own Type().
func (r *Registry) Register(c walcore.Compressor) {
	r.byType[c.Type()] = c
}

// Get looks up the codec for t, returning ErrNotSupported if none is
// registered — the case of a segment written by a newer binary with a codec
// this one doesn't know.
func (r *Registry) Get(t walcore.CompressionType) (walcore.Compressor, error) {
	c, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: no compressor registered for %s", walcore.ErrNotSupported, t)
	}
	return c, nil
}
