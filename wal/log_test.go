package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walconf"
	"github.com/nexusdb/tabletwal/walcore"
)

func testWALConfig() walconf.WALConfig {
	return walconf.WALConfig{
		MinSegmentsToRetain:       1,
		MaxSegmentsToRetain:       8,
		MaxSegmentSizeBytes:       walcore.DefaultMaxSegmentSize,
		IndexChunkSizeEntries:     64,
		GroupCommitQueueSizeBytes: 1 << 20,
		CompressionCodec:          "none",
	}
}

func openTestLog(t *testing.T, conf walconf.WALConfig) *Log {
	dir := t.TempDir()
	l, err := Open(sys.NewRealFsEnv(), dir, conf, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func logAppendReplicate(t *testing.T, l *Log, idx uint64) error {
	done := make(chan error, 1)
	batch := NewReplicateBatch([]walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: idx}, Timestamp: int64(idx), Payload: []byte("payload")},
	}, func(err error) { done <- err })

	require.NoError(t, l.Pipeline().Reserve(batch))
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

func TestLog_OpenStartsFreshSegmentAndAppendsAreIndexed(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	require.Equal(t, LogWriting, l.State())

	require.NoError(t, logAppendReplicate(t, l, 1))
	require.NoError(t, logAppendReplicate(t, l, 2))

	entry, ok := l.Index().Lookup(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.SegmentSeq)
	require.Equal(t, walcore.OpID{Term: 1, Index: 2}, l.LastEntryOpID())
}

func TestLog_OpenAfterCloseAlwaysStartsFreshSegment(t *testing.T) {
	dir := t.TempDir()
	conf := testWALConfig()
	env := sys.NewRealFsEnv()

	l1, err := Open(env, dir, conf, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, logAppendReplicate(t, l1, 1))
	firstSeq := l1.appender.ActiveSegmentSeq()
	require.NoError(t, l1.Close())

	l2, err := Open(env, dir, conf, nil, nil, nil, nil)
	require.NoError(t, err)
	defer l2.Close()

	require.Greater(t, l2.appender.ActiveSegmentSeq(), firstSeq)
	require.GreaterOrEqual(t, l2.registry.Len(), 2)

	entry, ok := l2.Index().Lookup(1)
	require.True(t, ok)
	require.Equal(t, firstSeq, entry.SegmentSeq)
}

func TestLog_RolloverForcesNewActiveSegment(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	before := l.appender.ActiveSegmentSeq()

	require.NoError(t, l.Rollover())

	require.Greater(t, l.appender.ActiveSegmentSeq(), before)
	require.GreaterOrEqual(t, l.registry.Len(), 2)
}

func TestLog_SetSchemaForNextSegmentIsInMemoryOnly(t *testing.T) {
	l := openTestLog(t, testWALConfig())

	l.SetSchemaForNextSegment([]byte("schema-v2"), 2)
	schema, version := l.PendingSchemaForNextSegment()
	require.Equal(t, []byte("schema-v2"), schema)
	require.Equal(t, uint32(2), version)

	require.NoError(t, l.Rollover())

	schema, version = l.PendingSchemaForNextSegment()
	require.Equal(t, []byte("schema-v2"), schema)
	require.Equal(t, uint32(2), version)
}

func TestLog_GCRemovesOnlySegmentsBelowRetentionFloor(t *testing.T) {
	conf := testWALConfig()
	conf.MinSegmentsToRetain = 1
	conf.MaxSegmentsToRetain = 1
	conf.MaxSegmentSizeBytes = int64(walcore.HeaderSize) + 1
	l := openTestLog(t, conf)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, logAppendReplicate(t, l, i))
	}
	before := l.registry.Len()
	require.GreaterOrEqual(t, before, 3)

	numGCed, err := l.GC(walcore.RetentionIndexes{ForDurability: 4, ForPeers: 4})
	require.NoError(t, err)
	require.Greater(t, numGCed, 0)
	require.Equal(t, before-numGCed, l.registry.Len())

	oldest := l.registry.Snapshot()[0]
	if f := oldest.Footer(); f != nil && f.NumEntries > 0 {
		require.GreaterOrEqual(t, f.MaxReplicateIndex, uint64(4))
	}
}

func TestLog_GCNoEligibleSegmentsIsANoop(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	require.NoError(t, logAppendReplicate(t, l, 1))

	numGCed, err := l.GC(walcore.RetentionIndexes{ForDurability: 0, ForPeers: 0})
	require.NoError(t, err)
	require.Equal(t, 0, numGCed)
}

func TestLog_GetGCableDataSizeMatchesWhatGCWouldRemove(t *testing.T) {
	conf := testWALConfig()
	conf.MinSegmentsToRetain = 1
	conf.MaxSegmentsToRetain = 1
	conf.MaxSegmentSizeBytes = int64(walcore.HeaderSize) + 1
	l := openTestLog(t, conf)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, logAppendReplicate(t, l, i))
	}

	retention := walcore.RetentionIndexes{ForDurability: 3, ForPeers: 3}
	size, err := l.GetGCableDataSize(retention)
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	numGCed, err := l.GC(retention)
	require.NoError(t, err)
	require.Greater(t, numGCed, 0)
}

func TestLog_GetReplaySizeMapCoversFooteredSegments(t *testing.T) {
	conf := testWALConfig()
	conf.MaxSegmentSizeBytes = int64(walcore.HeaderSize) + 1
	l := openTestLog(t, conf)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, logAppendReplicate(t, l, i))
	}

	m, err := l.GetReplaySizeMap()
	require.NoError(t, err)
	require.NotEmpty(t, m)
}

func TestLog_CloseIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.Equal(t, LogClosed, l.State())

	_, err := l.GC(walcore.RetentionIndexes{})
	require.ErrorIs(t, err, walcore.ErrIllegalState)
}

func TestLog_OpenRejectsSecondCallerWhileDirectoryIsLocked(t *testing.T) {
	dir := t.TempDir()
	conf := testWALConfig()
	env := sys.NewRealFsEnv()

	l, err := Open(env, dir, conf, nil, nil, nil, nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = Open(env, dir, conf, nil, nil, nil, nil)
	require.Error(t, err)

	require.NoError(t, l.Close())

	l2, err := Open(env, dir, conf, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}
