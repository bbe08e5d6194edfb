package compressors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestSnappyCompressor_RoundTrip(t *testing.T) {
	c := NewSnappyCompressor()
	require.Equal(t, walcore.CompressionSnappy, c.Type())

	data := bytes.Repeat([]byte("tablet wal snappy round trip "), 64)

	compressed, err := c.Compress(nil, data)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(data))

	decompressed, err := c.Decompress(nil, compressed, len(data))
	require.NoError(t, err)
	require.Equal(t, data, decompressed)
}

func TestSnappyCompressor_EmptyInput(t *testing.T) {
	c := NewSnappyCompressor()
	compressed, err := c.Compress(nil, nil)
	require.NoError(t, err)

	decompressed, err := c.Decompress(nil, compressed, 0)
	require.NoError(t, err)
	require.Empty(t, decompressed)
}
