// Package walconf loads the tunables every wal.Log and consensus.Driver
// is constructed with, following config.Load/config.LoadConfig's
// defaults-then-unmarshal pattern.
package walconf

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexusdb/tabletwal/walcore"
)

// FaultInjectionConfig holds the test-only knobs named in §6
// (log_inject_latency*, log_inject_io_error_on_*_fraction,
// fault_crash_before_append_commit). These are struct fields carried in
// WALConfig rather than process-wide flags, so concurrent tests
// exercising different fault scenarios never interfere with each other.
type FaultInjectionConfig struct {
	// LatencyBeforeAppendMs delays each segment write by this many
	// milliseconds before issuing it, simulating a slow disk.
	LatencyBeforeAppendMs int `yaml:"log_inject_latency_before_append_ms"`
	// LatencyBeforeSyncMs delays each fsync by this many milliseconds.
	LatencyBeforeSyncMs int `yaml:"log_inject_latency_before_sync_ms"`

	// IOErrorOnAppendFraction, in [0,1], is the probability that a given
	// segment append fails with walcore.ErrIOError.
	IOErrorOnAppendFraction float64 `yaml:"log_inject_io_error_on_append_fraction"`
	// IOErrorOnPreallocateFraction, in [0,1], is the probability that a
	// given preallocate call fails with walcore.ErrIOError.
	IOErrorOnPreallocateFraction float64 `yaml:"log_inject_io_error_on_preallocate_fraction"`

	// CrashBeforeAppendCommit, when true, makes the appender return an
	// error without writing or acknowledging any COMMIT-kind batch,
	// simulating a process crash between replicate and commit durability.
	CrashBeforeAppendCommit bool `yaml:"fault_crash_before_append_commit"`
}

func (f FaultInjectionConfig) validate() error {
	if f.IOErrorOnAppendFraction < 0 || f.IOErrorOnAppendFraction > 1 {
		return fmt.Errorf("%w: log_inject_io_error_on_append_fraction must be in [0,1], got %v", walcore.ErrInvalidArgument, f.IOErrorOnAppendFraction)
	}
	if f.IOErrorOnPreallocateFraction < 0 || f.IOErrorOnPreallocateFraction > 1 {
		return fmt.Errorf("%w: log_inject_io_error_on_preallocate_fraction must be in [0,1], got %v", walcore.ErrInvalidArgument, f.IOErrorOnPreallocateFraction)
	}
	return nil
}

// WALConfig holds the §6 flags governing segment retention, group commit,
// compression, and fault injection for a single tablet's WAL.
type WALConfig struct {
	// MinSegmentsToRetain floors the segment count kept after GC,
	// regardless of how far behind peers or the durability watermark are.
	// Must be >= 1.
	MinSegmentsToRetain int `yaml:"log_min_segments_to_retain"`
	// MaxSegmentsToRetain ceilings the segment count kept when retaining
	// extra segments for lagging peers.
	MaxSegmentsToRetain int `yaml:"log_max_segments_to_retain"`

	// MaxSegmentSizeBytes is the rollover threshold for a writable
	// segment (§3's size budget).
	MaxSegmentSizeBytes int64 `yaml:"log_max_segment_size_bytes"`
	// IndexChunkSizeEntries is the number of replicate-index entries per
	// on-disk index chunk (C4).
	IndexChunkSizeEntries int64 `yaml:"log_index_chunk_size_entries"`

	// GroupCommitQueueSizeBytes bounds the pipeline's entry queue (C7),
	// in total serialized payload bytes across all reserved-but-not-yet-
	// appended entries.
	GroupCommitQueueSizeBytes int64 `yaml:"group_commit_queue_size_bytes"`

	// CompressionCodec names the codec registered in compressors.Registry
	// ("none", "lz4", "zstd", "snappy"). Empty and "none" both disable
	// compression.
	CompressionCodec string `yaml:"log_compression_codec"`

	// FsWalDirReservedBytes is the free-space floor checked before
	// preallocating a new segment (§4.2, §4.8); preallocate fails with
	// ServiceUnavailable when free space would drop below it.
	FsWalDirReservedBytes uint64 `yaml:"fs_wal_dir_reserved_bytes"`

	// ForceFsyncDir is loaded and defaulted but not read by the wal
	// package: the allocator fsyncs the WAL directory after every
	// placeholder rename regardless of this value.
	ForceFsyncDir bool `yaml:"force_fsync_dir"`

	// AsyncPreallocateSegments, when true (the default), lets the appender
	// start the next segment's allocation and keep writing into an
	// over-size active segment while it finishes in the background (§4.7).
	// When false, an over-size append with no allocation started rolls
	// over synchronously; an allocation already in progress still lets
	// writes continue past the size cap, so this is not a hard ceiling.
	AsyncPreallocateSegments bool `yaml:"log_async_preallocate_segments"`

	FaultInjection FaultInjectionConfig `yaml:"fault_injection"`
}

func (c WALConfig) validate() error {
	if c.MinSegmentsToRetain < 1 {
		return fmt.Errorf("%w: log_min_segments_to_retain must be >= 1, got %d", walcore.ErrInvalidArgument, c.MinSegmentsToRetain)
	}
	if c.MaxSegmentsToRetain < c.MinSegmentsToRetain {
		return fmt.Errorf("%w: log_max_segments_to_retain (%d) must be >= log_min_segments_to_retain (%d)", walcore.ErrInvalidArgument, c.MaxSegmentsToRetain, c.MinSegmentsToRetain)
	}
	if c.MaxSegmentSizeBytes <= 0 {
		return fmt.Errorf("%w: log_max_segment_size_bytes must be > 0, got %d", walcore.ErrInvalidArgument, c.MaxSegmentSizeBytes)
	}
	if c.GroupCommitQueueSizeBytes <= 0 {
		return fmt.Errorf("%w: group_commit_queue_size_bytes must be > 0, got %d", walcore.ErrInvalidArgument, c.GroupCommitQueueSizeBytes)
	}
	if _, ok := codecByName[c.CompressionCodec]; c.CompressionCodec != "" && !ok {
		return fmt.Errorf("%w: unknown log_compression_codec %q", walcore.ErrNotSupported, c.CompressionCodec)
	}
	return c.FaultInjection.validate()
}

// codecByName maps the §6 codec name to its wire CompressionType, kept here
// (rather than in compressors/) so walconf doesn't need to import the
// codec implementations just to validate a name.
var codecByName = map[string]walcore.CompressionType{
	"none":   walcore.CompressionNone,
	"lz4":    walcore.CompressionLZ4,
	"zstd":   walcore.CompressionZstd,
	"snappy": walcore.CompressionSnappy,
}

// CodecType resolves the configured codec name to its wire type. An empty
// name resolves to CompressionNone.
func (c WALConfig) CodecType() walcore.CompressionType {
	if c.CompressionCodec == "" {
		return walcore.CompressionNone
	}
	return codecByName[c.CompressionCodec]
}

// ConsensusConfig holds the consensus driver's own tunables, kept separate
// from WALConfig since a tablet server constructs one Driver per tablet
// sharing a WALConfig-configured Log.
type ConsensusConfig struct {
	// MaxPendingOpsBytes bounds in-flight UpdateConsensus payload bytes
	// before the driver starts rejecting with ServiceUnavailable under
	// memory pressure (§4.10).
	MaxPendingOpsBytes int64 `yaml:"consensus_max_pending_ops_bytes"`
}

func (c ConsensusConfig) validate() error {
	if c.MaxPendingOpsBytes <= 0 {
		return fmt.Errorf("%w: consensus_max_pending_ops_bytes must be > 0, got %d", walcore.ErrInvalidArgument, c.MaxPendingOpsBytes)
	}
	return nil
}

// DebugConfig governs the process-wide debug HTTP server (expvar, pprof,
// statsviz) that cmd/tabletserver exposes alongside the consensus gRPC
// surface.
type DebugConfig struct {
	ListenAddress    string `yaml:"listen_address"`
	EnabledMetrics   bool   `yaml:"enabled_metrics"`
	EnabledProfiling bool   `yaml:"enabled_profiling"`
}

// GRPCConfig governs the consensus RPC listener.
type GRPCConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig governs the OpenTelemetry exporter wired into the wal and
// consensus packages' tracer fields via otel.SetTracerProvider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
	Endpoint string `yaml:"endpoint"`
}

// Config is the top-level configuration loaded from YAML, mirroring
// config.Config's grouping of subsystem configs under one struct.
type Config struct {
	WAL       WALConfig       `yaml:"wal"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Debug     DebugConfig     `yaml:"debug"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// Validate checks every field's invariant, returning walcore.ErrInvalidArgument
// or walcore.ErrNotSupported wrapped with the offending field's name.
func (c Config) Validate() error {
	if err := c.WAL.validate(); err != nil {
		return err
	}
	return c.Consensus.validate()
}

// Load reads configuration from an io.Reader, filling in defaults before
// unmarshaling so a partial (or empty/nil) YAML document still produces a
// valid Config.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		WAL: WALConfig{
			MinSegmentsToRetain:       1,
			MaxSegmentsToRetain:       8,
			MaxSegmentSizeBytes:       walcore.DefaultMaxSegmentSize,
			IndexChunkSizeEntries:     int64(walcore.DefaultIndexChunkSize),
			GroupCommitQueueSizeBytes: 8 * 1024 * 1024,
			CompressionCodec:          "none",
			FsWalDirReservedBytes:     256 * 1024 * 1024,
			ForceFsyncDir:             true,
			AsyncPreallocateSegments:  true,
		},
		Consensus: ConsensusConfig{
			MaxPendingOpsBytes: 64 * 1024 * 1024,
		},
		Debug: DebugConfig{
			ListenAddress:  ":8080",
			EnabledMetrics: true,
		},
		GRPC: GRPCConfig{
			ListenAddress: ":7050",
		},
		Tracing: TracingConfig{
			Protocol: "grpc",
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("walconf: failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("walconf: failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// is treated as an empty document, yielding defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("walconf: failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
