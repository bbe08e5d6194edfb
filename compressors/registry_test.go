package compressors

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestRegistry_BuiltinCodecs(t *testing.T) {
	r := NewRegistry()

	for _, ct := range []walcore.CompressionType{
		walcore.CompressionNone,
		walcore.CompressionLZ4,
		walcore.CompressionSnappy,
		walcore.CompressionZstd,
	} {
		c, err := r.Get(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
	}
}

func TestRegistry_UnknownCodec(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(walcore.CompressionType(99))
	require.ErrorIs(t, err, walcore.ErrNotSupported)
}
