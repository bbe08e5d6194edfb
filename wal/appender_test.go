package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

func newTestAppender(t *testing.T, dir string, maxSegmentSize int64) (*Appender, *SegmentRegistry, *Index) {
	env := sys.NewRealFsEnv()
	comp := compressors.NewRegistry()

	segPath := filepath.Join(dir, walcore.FormatSegmentFileName(1))
	active, err := CreateWritableSegment(env, segPath, 1, walcore.CompressionNone)
	require.NoError(t, err)

	// OpenSegmentRegistry discovers segPath itself (it already exists on
	// disk with its header written), giving it the active segment's
	// readable view without a separate AppendEmptySegment call.
	registry, err := OpenSegmentRegistry(env, comp, dir)
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	index, err := OpenIndex(env, filepath.Join(dir, "index"), 64)
	require.NoError(t, err)

	alloc := NewSegmentAllocator(env, dir, maxSegmentSize, walcore.CompressionNone, 0)

	pipeline := NewAppendPipeline(1 << 20)
	appender := NewAppender(pipeline, registry, index, comp, env, dir, active, maxSegmentSize, walcore.CompressionNone, alloc, nil, nil, nil, nil, false)
	go appender.Run()

	t.Cleanup(func() {
		pipeline.Shutdown()
		select {
		case <-appender.Done():
		case <-time.After(time.Second):
			t.Fatal("appender did not shut down")
		}
		_ = index.Close()
		_ = registry.Close()
	})

	return appender, registry, index
}

func appendReplicate(t *testing.T, appender *Appender, pipeline *AppendPipeline, idx uint64) error {
	done := make(chan error, 1)
	batch := NewReplicateBatch([]walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: idx}, Timestamp: int64(idx), Payload: []byte("payload")},
	}, func(err error) { done <- err })

	require.NoError(t, appender.pipeline.Reserve(batch))
	require.NoError(t, batch.Serialize())
	require.NoError(t, batch.MarkReady())

	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("batch never completed")
		return nil
	}
}

func TestAppender_SingleReplicateBatchIsDurableAndIndexed(t *testing.T) {
	dir := t.TempDir()
	appender, _, index := newTestAppender(t, dir, walcore.DefaultMaxSegmentSize)

	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 1))

	entry, ok := index.Lookup(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.SegmentSeq)
	require.Equal(t, walcore.OpID{Term: 1, Index: 1}, appender.LastEntryOpID())
}

func TestAppender_RolloverWhenSegmentExceedsMaxSize(t *testing.T) {
	dir := t.TempDir()
	// A tiny max size forces the very first real append past the header to
	// trigger a rollover.
	appender, registry, _ := newTestAppender(t, dir, int64(walcore.HeaderSize)+1)

	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 1))
	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 2))

	require.GreaterOrEqual(t, registry.Len(), 2)
	require.Equal(t, uint64(1), registry.Snapshot()[0].Seq())
	require.True(t, registry.Snapshot()[0].HasFooter())
}

// gatedFsEnv delays NewTempWritableFile until gate is closed, letting a
// test hold a SegmentAllocator in AllocationInProgress deterministically.
type gatedFsEnv struct {
	sys.FsEnv
	gate chan struct{}
}

func (g gatedFsEnv) NewTempWritableFile(dir, pattern string) (sys.FileHandle, string, error) {
	<-g.gate
	return g.FsEnv.NewTempWritableFile(dir, pattern)
}

func TestAppender_AsyncPreallocateSkipsRolloverWhileAllocationInProgress(t *testing.T) {
	dir := t.TempDir()
	env := gatedFsEnv{FsEnv: sys.NewRealFsEnv(), gate: make(chan struct{})}
	comp := compressors.NewRegistry()
	maxSegmentSize := int64(walcore.HeaderSize) + 1

	segPath := filepath.Join(dir, walcore.FormatSegmentFileName(1))
	active, err := CreateWritableSegment(sys.NewRealFsEnv(), segPath, 1, walcore.CompressionNone)
	require.NoError(t, err)

	registry, err := OpenSegmentRegistry(env, comp, dir)
	require.NoError(t, err)

	index, err := OpenIndex(env, filepath.Join(dir, "index"), 64)
	require.NoError(t, err)

	alloc := NewSegmentAllocator(env, dir, maxSegmentSize, walcore.CompressionNone, 0)

	pipeline := NewAppendPipeline(1 << 20)
	appender := NewAppender(pipeline, registry, index, comp, env, dir, active, maxSegmentSize, walcore.CompressionNone, alloc, nil, nil, nil, nil, true)
	go appender.Run()
	t.Cleanup(func() {
		pipeline.Shutdown()
		<-appender.Done()
		_ = index.Close()
		_ = registry.Close()
	})

	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 1))
	require.Equal(t, AllocationInProgress, alloc.State())
	require.Equal(t, 1, registry.Len())

	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 2))
	require.Equal(t, AllocationInProgress, alloc.State())
	require.Equal(t, 1, registry.Len())

	close(env.gate)
	require.Eventually(t, func() bool {
		return alloc.State() == AllocationFinished
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, appendReplicate(t, appender, appender.pipeline, 3))
	require.GreaterOrEqual(t, registry.Len(), 2)
}

func TestAppender_CrashBeforeAppendCommitRejectsCommitBatch(t *testing.T) {
	dir := t.TempDir()
	appender, _, _ := newTestAppender(t, dir, walcore.DefaultMaxSegmentSize)
	appender.SetCrashBeforeAppendCommit(true)
	appender.FatalOnAppendError = func(error) {}

	done := make(chan error, 1)
	batch := NewCommitBatch([]walcore.CommitMessage{
		{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted},
	}, func(err error) { done <- err })
	require.NoError(t, appender.pipeline.Reserve(batch))
	require.NoError(t, batch.Serialize())
	require.NoError(t, batch.MarkReady())

	select {
	case err := <-done:
		require.Error(t, err)
		require.ErrorIs(t, err, walcore.ErrIOError)
	case <-time.After(time.Second):
		t.Fatal("commit batch never completed")
	}
}

func TestAppender_GroupOfCommitsOnlyDoesNotForceSync(t *testing.T) {
	dir := t.TempDir()
	appender, _, _ := newTestAppender(t, dir, walcore.DefaultMaxSegmentSize)

	done := make(chan error, 1)
	batch := NewCommitBatch([]walcore.CommitMessage{
		{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted},
	}, func(err error) { done <- err })
	require.NoError(t, appender.pipeline.Reserve(batch))
	require.NoError(t, batch.Serialize())
	require.NoError(t, batch.MarkReady())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit batch never completed")
	}
}
