package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

func TestIndex_AddAndLookup(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	idx, err := OpenIndex(env, dir, 4)
	require.NoError(t, err)
	defer idx.Close()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, idx.AddEntry(IndexEntry{Index: i, SegmentSeq: 1, Offset: int64(i * 100)}))
	}

	got, ok := idx.Lookup(7)
	require.True(t, ok)
	require.Equal(t, IndexEntry{Index: 7, SegmentSeq: 1, Offset: 700}, got)

	_, ok = idx.Lookup(999)
	require.False(t, ok)
}

func TestIndex_AddEntryRejectsNonMonotonic(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	idx, err := OpenIndex(env, dir, 4)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.AddEntry(IndexEntry{Index: 1, SegmentSeq: 1, Offset: 0}))
	err = idx.AddEntry(IndexEntry{Index: 3, SegmentSeq: 1, Offset: 100})
	require.ErrorIs(t, err, walcore.ErrInvalidArgument)
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()

	idx, err := OpenIndex(env, dir, 4)
	require.NoError(t, err)
	for i := uint64(1); i <= 6; i++ {
		require.NoError(t, idx.AddEntry(IndexEntry{Index: i, SegmentSeq: 2, Offset: int64(i)}))
	}
	require.NoError(t, idx.Close())

	reopened, err := OpenIndex(env, dir, 4)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Lookup(5)
	require.True(t, ok)
	require.Equal(t, uint64(5), got.Index)

	// Appending after reopen must not clobber the entries persisted before
	// the restart (chunkFileLocked's rewrite-on-first-touch path).
	require.NoError(t, reopened.AddEntry(IndexEntry{Index: 7, SegmentSeq: 2, Offset: 7}))
	got, ok = reopened.Lookup(6)
	require.True(t, ok)
	require.Equal(t, uint64(6), got.Index)
}

func TestIndex_GCBelowDeletesFullyObsoleteChunks(t *testing.T) {
	dir := t.TempDir()
	env := sys.NewRealFsEnv()
	idx, err := OpenIndex(env, dir, 4)
	require.NoError(t, err)
	defer idx.Close()

	for i := uint64(1); i <= 12; i++ {
		require.NoError(t, idx.AddEntry(IndexEntry{Index: i, SegmentSeq: 1, Offset: int64(i)}))
	}

	require.NoError(t, idx.GCBelow(9))

	_, ok := idx.Lookup(3)
	require.False(t, ok, "chunk 0 (indexes 0-3) should be gone")
	got, ok := idx.Lookup(10)
	require.True(t, ok)
	require.Equal(t, uint64(10), got.Index)
}
