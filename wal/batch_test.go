package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestLogEntryBatch_HappyPathTransitionsAndCallback(t *testing.T) {
	var gotErr error
	called := false
	b := NewReplicateBatch([]walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: 1}, Timestamp: 1, Payload: []byte("a")},
	}, func(err error) {
		called = true
		gotErr = err
	})

	require.Equal(t, BatchInitialized, b.State())
	require.NoError(t, b.MarkReserved())
	require.Equal(t, BatchReserved, b.State())
	require.NoError(t, b.Serialize())
	require.Equal(t, BatchSerialized, b.State())
	require.NotEmpty(t, b.RawBytes())
	require.NoError(t, b.MarkReady())
	require.Equal(t, BatchReady, b.State())

	b.WaitForReady() // must not block

	b.Succeed()
	require.True(t, called)
	require.NoError(t, gotErr)
}

func TestLogEntryBatch_FailInvokesCallbackOnceWithError(t *testing.T) {
	calls := 0
	var lastErr error
	b := NewCommitBatch([]walcore.CommitMessage{
		{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted},
	}, func(err error) {
		calls++
		lastErr = err
	})

	boom := walcore.ErrIOError
	b.Fail(boom)
	b.Fail(boom) // second call must be a no-op
	b.Succeed()  // also a no-op once finished

	require.Equal(t, 1, calls)
	require.ErrorIs(t, lastErr, boom)
	require.Equal(t, BatchFailedAppend, b.State())
}

func TestLogEntryBatch_RejectsOutOfOrderTransitions(t *testing.T) {
	b := NewCommitBatch([]walcore.CommitMessage{
		{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted},
	}, nil)

	err := b.Serialize()
	require.ErrorIs(t, err, walcore.ErrIllegalState)

	err = b.MarkReady()
	require.ErrorIs(t, err, walcore.ErrIllegalState)
}

func TestNewFlushMarkerBatch_IsBornReady(t *testing.T) {
	b := NewFlushMarkerBatch(nil)
	require.Equal(t, BatchReady, b.State())
	b.WaitForReady() // must not block
	require.Equal(t, 0, b.NumEntries())
	require.Equal(t, 0, b.SizeBytes())
}
