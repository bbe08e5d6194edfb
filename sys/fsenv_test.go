package sys

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealFsEnv_WritableFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := NewRealFsEnv()

	path := filepath.Join(dir, "segment")
	fh, err := env.NewWritableFile(path)
	require.NoError(t, err)

	_, err = fh.Write([]byte("hello wal"))
	require.NoError(t, err)
	require.NoError(t, fh.Sync())
	require.NoError(t, fh.Close())

	require.True(t, env.FileExists(path))

	rh, err := env.NewRandomAccessFile(path)
	require.NoError(t, err)
	defer rh.Close()

	got, err := io.ReadAll(io.NewSectionReader(rh, 0, 9))
	require.NoError(t, err)
	require.Equal(t, "hello wal", string(got))
}

func TestRealFsEnv_TempWritableFileThenRename(t *testing.T) {
	dir := t.TempDir()
	env := NewRealFsEnv()

	fh, tmpName, err := env.NewTempWritableFile(dir, ".tmp.newsegment")
	require.NoError(t, err)
	_, err = fh.Write([]byte("placeholder"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	finalPath := filepath.Join(dir, "wal-0000000000000001")
	require.NoError(t, env.RenameFile(tmpName, finalPath))
	require.True(t, env.FileExists(finalPath))
	require.False(t, env.FileExists(tmpName))
}

func TestRealFsEnv_DeleteFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	env := NewRealFsEnv()
	path := filepath.Join(dir, "gone")

	require.NoError(t, env.DeleteFile(path))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, env.DeleteFile(path))
	require.False(t, env.FileExists(path))
}

func TestRealFsEnv_CreateDirIfMissingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	env := NewRealFsEnv()
	sub := filepath.Join(dir, "a", "b", "c")

	require.NoError(t, env.CreateDirIfMissing(sub))
	require.NoError(t, env.CreateDirIfMissing(sub))
	require.True(t, env.FileExists(sub))
}

func TestRealFsEnv_FreeSpace(t *testing.T) {
	dir := t.TempDir()
	env := NewRealFsEnv()

	free, err := env.FreeSpace(dir)
	require.NoError(t, err)
	require.Greater(t, free, uint64(0))
}
