package wal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/walcore"
)

func TestStreamReader_CatchesUpThenTailsNewAppends(t *testing.T) {
	l := openTestLog(t, testWALConfig())

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, logAppendReplicate(t, l, i))
	}

	sr := l.NewStreamReader(1)

	for i := uint64(1); i <= 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		msg, err := sr.Next(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, i, msg.OpID.Index)
	}

	resultCh := make(chan walcore.ReplicateMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, err := sr.Next(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- msg
	}()

	require.NoError(t, logAppendReplicate(t, l, 4))

	select {
	case msg := <-resultCh:
		require.Equal(t, uint64(4), msg.OpID.Index)
	case err := <-errCh:
		t.Fatalf("stream reader returned error waiting for tailed entry: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream reader never observed the tailed append")
	}
	require.NoError(t, sr.Close())
}

func TestStreamReader_StartsMidStreamFromIndex(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, logAppendReplicate(t, l, i))
	}

	sr := l.NewStreamReader(3)
	for _, want := range []uint64{3, 4, 5} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		msg, err := sr.Next(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, want, msg.OpID.Index)
	}
}

func TestStreamReader_RespectsContextCancellation(t *testing.T) {
	l := openTestLog(t, testWALConfig())
	sr := l.NewStreamReader(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sr.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
