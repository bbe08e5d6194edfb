package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/walcore"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	h := walcore.NewFileHeader(42, walcore.CompressionLZ4)
	var buf bytes.Buffer
	require.NoError(t, EncodeFileHeader(&buf, h))

	got, err := DecodeFileHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeFileHeader_RejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, walcore.HeaderSize))
	_, err := DecodeFileHeader(buf)
	require.ErrorIs(t, err, walcore.ErrCorruption)
}

func TestFooterRoundTrip(t *testing.T) {
	f := walcore.Footer{
		Magic:             walcore.FooterMagic,
		NumEntries:        10,
		MinReplicateIndex: 1,
		MaxReplicateIndex: 10,
		ClosedAtMicros:    123456,
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeFooter(&buf, f))

	got, err := DecodeFooter(&buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestReplicateEntriesRoundTrip(t *testing.T) {
	msgs := []walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: 1}, Timestamp: 100, Payload: []byte("hello")},
		{OpID: walcore.OpID{Term: 1, Index: 2}, Timestamp: 200, Payload: []byte("")},
		{OpID: walcore.OpID{Term: 2, Index: 3}, Timestamp: 300, Payload: []byte("world!!")},
	}
	raw := EncodeReplicateEntries(msgs)
	got, err := DecodeReplicateEntries(raw, len(msgs))
	require.NoError(t, err)
	require.Len(t, got, len(msgs))
	for i := range msgs {
		require.Equal(t, msgs[i].OpID, got[i].OpID)
		require.Equal(t, msgs[i].Timestamp, got[i].Timestamp)
		require.Equal(t, msgs[i].Payload, got[i].Payload)
	}
}

func TestCommitEntriesRoundTrip(t *testing.T) {
	msgs := []walcore.CommitMessage{
		{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted},
		{CommittedOpID: walcore.OpID{Term: 1, Index: 2}, Decision: walcore.CommitAborted},
	}
	raw := EncodeCommitEntries(msgs)
	got, err := DecodeCommitEntries(raw, len(msgs))
	require.NoError(t, err)
	require.Equal(t, msgs, got)
}

func TestFrameRoundTrip_NoCompression(t *testing.T) {
	reg := compressors.NewRegistry()
	none, err := reg.Get(walcore.CompressionNone)
	require.NoError(t, err)

	raw := EncodeReplicateEntries([]walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: 1}, Timestamp: 1, Payload: []byte("payload")},
	})
	frame, err := EncodeFrame(walcore.EntryReplicate, 1, raw, none)
	require.NoError(t, err)

	decoded, err := DecodeFrame(bytes.NewReader(frame), reg, walcore.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, walcore.EntryReplicate, decoded.Kind)
	require.Equal(t, uint16(1), decoded.NumEntries)
	require.Equal(t, raw, decoded.Raw)
}

func TestFrameRoundTrip_LZ4Compressed(t *testing.T) {
	reg := compressors.NewRegistry()
	lz4, err := reg.Get(walcore.CompressionLZ4)
	require.NoError(t, err)

	raw := EncodeReplicateEntries([]walcore.ReplicateMessage{
		{OpID: walcore.OpID{Term: 1, Index: 1}, Timestamp: 1, Payload: bytes.Repeat([]byte("x"), 500)},
	})
	frame, err := EncodeFrame(walcore.EntryReplicate, 1, raw, lz4)
	require.NoError(t, err)

	decoded, err := DecodeFrame(bytes.NewReader(frame), reg, walcore.CompressionLZ4)
	require.NoError(t, err)
	require.Equal(t, raw, decoded.Raw)
}

func TestDecodeFrame_CorruptCRCReportsCorruption(t *testing.T) {
	reg := compressors.NewRegistry()
	none, _ := reg.Get(walcore.CompressionNone)
	raw := EncodeCommitEntries([]walcore.CommitMessage{{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted}})
	frame, err := EncodeFrame(walcore.EntryCommit, 1, raw, none)
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xFF // flip a payload byte without fixing the CRC

	_, err = DecodeFrame(bytes.NewReader(frame), reg, walcore.CompressionNone)
	require.ErrorIs(t, err, walcore.ErrCorruption)
}

func TestDecodeFrame_EOFOnEmptyReader(t *testing.T) {
	reg := compressors.NewRegistry()
	_, err := DecodeFrame(bytes.NewReader(nil), reg, walcore.CompressionNone)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeFrame_TruncatedFrameReportsCorruption(t *testing.T) {
	reg := compressors.NewRegistry()
	none, _ := reg.Get(walcore.CompressionNone)
	raw := EncodeCommitEntries([]walcore.CommitMessage{{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted}})
	frame, err := EncodeFrame(walcore.EntryCommit, 1, raw, none)
	require.NoError(t, err)

	_, err = DecodeFrame(bytes.NewReader(frame[:len(frame)-3]), reg, walcore.CompressionNone)
	require.ErrorIs(t, err, walcore.ErrCorruption)
}
