package walconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
wal:
  log_min_segments_to_retain: 2
  log_compression_codec: lz4
  fault_injection:
    log_inject_io_error_on_append_fraction: 0.5
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 2, cfg.WAL.MinSegmentsToRetain)
	assert.Equal(t, "lz4", cfg.WAL.CompressionCodec)
	assert.Equal(t, walcore.CompressionLZ4, cfg.WAL.CodecType())
	assert.Equal(t, 0.5, cfg.WAL.FaultInjection.IOErrorOnAppendFraction)

	// defaults not overridden
	assert.Equal(t, 8, cfg.WAL.MaxSegmentsToRetain)
	assert.Equal(t, walcore.DefaultMaxSegmentSize, cfg.WAL.MaxSegmentSizeBytes)
}

func TestLoad_EmptyReaderUsesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WAL.MinSegmentsToRetain)
	assert.Equal(t, "none", cfg.WAL.CompressionCodec)
	assert.Equal(t, walcore.CompressionNone, cfg.WAL.CodecType())

	cfg2, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, cfg.WAL.MinSegmentsToRetain, cfg2.WAL.MinSegmentsToRetain)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("wal:\n  log_min_segments_to_retain: [oops"))
	require.Error(t, err)
}

func TestLoad_RejectsMinSegmentsBelowOne(t *testing.T) {
	_, err := Load(strings.NewReader("wal:\n  log_min_segments_to_retain: 0\n"))
	require.ErrorIs(t, err, walcore.ErrInvalidArgument)
}

func TestLoad_RejectsMaxBelowMinSegments(t *testing.T) {
	yamlContent := `
wal:
  log_min_segments_to_retain: 5
  log_max_segments_to_retain: 2
`
	_, err := Load(strings.NewReader(yamlContent))
	require.ErrorIs(t, err, walcore.ErrInvalidArgument)
}

func TestLoad_RejectsUnknownCodec(t *testing.T) {
	_, err := Load(strings.NewReader("wal:\n  log_compression_codec: bzip2\n"))
	require.ErrorIs(t, err, walcore.ErrNotSupported)
}

func TestLoad_RejectsOutOfRangeFaultFraction(t *testing.T) {
	yamlContent := `
wal:
  fault_injection:
    log_inject_io_error_on_preallocate_fraction: 1.5
`
	_, err := Load(strings.NewReader(yamlContent))
	require.ErrorIs(t, err, walcore.ErrInvalidArgument)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WAL.MinSegmentsToRetain)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wal:\n  log_min_segments_to_retain: 3\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WAL.MinSegmentsToRetain)
}
