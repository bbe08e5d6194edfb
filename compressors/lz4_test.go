package compressors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestLZ4Compressor_RoundTrip(t *testing.T) {
	c := NewLZ4Compressor()
	require.Equal(t, walcore.CompressionLZ4, c.Type())

	cases := []struct {
		name string
		data []byte
	}{
		{"simple string", []byte("hello world, this is a test of the lz4 compressor")},
		{"repetitive data", bytes.Repeat([]byte("a"), 1024)},
		{"small random data", []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compressed, err := c.Compress(nil, tc.data)
			require.NoError(t, err)

			decompressed, err := c.Decompress(nil, compressed, len(tc.data))
			require.NoError(t, err)
			require.Equal(t, tc.data, decompressed)
		})
	}
}

func TestLZ4Compressor_EmptyInput(t *testing.T) {
	c := NewLZ4Compressor()
	decompressed, err := c.Decompress(nil, nil, 0)
	require.NoError(t, err)
	require.Empty(t, decompressed)
}

func TestLZ4Compressor_CorruptFrameErrors(t *testing.T) {
	c := NewLZ4Compressor()
	compressed, err := c.Compress(nil, bytes.Repeat([]byte("xyz"), 200))
	require.NoError(t, err)

	garbage := append([]byte{}, compressed...)
	for i := range garbage {
		garbage[i] ^= 0xFF
	}
	_, err = c.Decompress(nil, garbage, 600)
	require.Error(t, err)
}
