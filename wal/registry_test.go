package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/compressors"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

func createClosedSegment(t *testing.T, env sys.FsEnv, dir string, seq uint64, minIdx, maxIdx uint64) {
	path := filepath.Join(dir, walcore.FormatSegmentFileName(seq))
	seg, err := CreateWritableSegment(env, path, seq, walcore.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, seg.WriteFooterAndClose(walcore.Footer{
		Magic:             walcore.FooterMagic,
		NumEntries:        maxIdx - minIdx + 1,
		MinReplicateIndex: minIdx,
		MaxReplicateIndex: maxIdx,
	}))
}

func TestSegmentRegistry_OpenDiscoversExistingSegmentsInOrder(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	createClosedSegment(t, env, dir, 1, 1, 10)
	createClosedSegment(t, env, dir, 2, 11, 20)

	reg := compressors.NewRegistry()
	sr, err := OpenSegmentRegistry(env, reg, dir)
	require.NoError(t, err)
	defer sr.Close()

	snap := sr.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, uint64(1), snap[0].Seq())
	require.Equal(t, uint64(2), snap[1].Seq())
}

func TestSegmentRegistry_AppendEmptyThenReplaceLast(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	createClosedSegment(t, env, dir, 1, 1, 5)

	reg := compressors.NewRegistry()
	sr, err := OpenSegmentRegistry(env, reg, dir)
	require.NoError(t, err)
	defer sr.Close()

	path2 := filepath.Join(dir, walcore.FormatSegmentFileName(2))
	seg2, err := CreateWritableSegment(env, path2, 2, walcore.CompressionNone)
	require.NoError(t, err)
	readable2, err := OpenReadableSegment(env, reg, path2, 2)
	require.NoError(t, err)
	sr.AppendEmptySegment(readable2)
	require.Equal(t, 2, sr.Len())
	require.Equal(t, sr.LastSegment().Seq(), uint64(2))

	require.NoError(t, seg2.WriteFooterAndClose(walcore.Footer{Magic: walcore.FooterMagic, NumEntries: 3, MinReplicateIndex: 6, MaxReplicateIndex: 8}))
	readable2b, err := OpenReadableSegment(env, reg, path2, 2)
	require.NoError(t, err)
	require.NoError(t, sr.ReplaceLastSegment(readable2b))
	require.True(t, sr.LastSegment().HasFooter())
}

func TestSegmentRegistry_TrimSegmentsUpToAndIncluding(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	createClosedSegment(t, env, dir, 1, 1, 5)
	createClosedSegment(t, env, dir, 2, 6, 10)
	createClosedSegment(t, env, dir, 3, 11, 15)

	reg := compressors.NewRegistry()
	sr, err := OpenSegmentRegistry(env, reg, dir)
	require.NoError(t, err)
	defer sr.Close()

	removed := sr.TrimSegmentsUpToAndIncluding(2)
	require.Len(t, removed, 2)
	require.Equal(t, 1, sr.Len())
	require.Equal(t, uint64(3), sr.Snapshot()[0].Seq())
}

func TestSegmentRegistry_MinReplicateIndexFromOldestFooteredSegment(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	createClosedSegment(t, env, dir, 1, 100, 105)

	reg := compressors.NewRegistry()
	sr, err := OpenSegmentRegistry(env, reg, dir)
	require.NoError(t, err)
	defer sr.Close()

	min, ok := sr.MinReplicateIndex()
	require.True(t, ok)
	require.Equal(t, uint64(100), min)
}

func TestSegmentRegistry_UpdateLastSegmentOffsetAdvancesActiveOnly(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	path := filepath.Join(dir, walcore.FormatSegmentFileName(1))
	seg, err := CreateWritableSegment(env, path, 1, walcore.CompressionNone)
	require.NoError(t, err)

	reg := compressors.NewRegistry()
	sr, err := OpenSegmentRegistry(env, reg, dir)
	require.NoError(t, err)
	defer sr.Close()
	readable, err := OpenReadableSegment(env, reg, path, 1)
	require.NoError(t, err)
	sr.AppendEmptySegment(readable)

	none, _ := reg.Get(walcore.CompressionNone)
	raw := EncodeCommitEntries([]walcore.CommitMessage{{CommittedOpID: walcore.OpID{Term: 1, Index: 1}, Decision: walcore.CommitCommitted}})
	frame, err := EncodeFrame(walcore.EntryCommit, 1, raw, none)
	require.NoError(t, err)
	_, err = seg.AppendEntryBatch(frame)
	require.NoError(t, err)

	sr.UpdateLastSegmentOffset(seg.WrittenOffset())
	require.Equal(t, seg.WrittenOffset(), sr.LastSegment().SafeOffset())
}
