package sys

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireDirLock_ExclusiveAccess(t *testing.T) {
	dir := t.TempDir()

	release, err := AcquireDirLock(dir, time.Second)
	require.NoError(t, err)

	_, err = AcquireOSFileLock(filepath.Join(dir, "LOCK"), 50*time.Millisecond)
	require.Error(t, err, "a second lock attempt on the same directory must fail while the first is held")

	require.NoError(t, release())
}

func TestAcquireDirLock_ReleasedLockCanBeReacquired(t *testing.T) {
	dir := t.TempDir()

	release, err := AcquireDirLock(dir, time.Second)
	require.NoError(t, err)
	require.NoError(t, release())

	release2, err := AcquireDirLock(dir, time.Second)
	require.NoError(t, err)
	require.NoError(t, release2())
}
