package sys

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AcquireDirLock guards a WAL directory against being opened by two
// processes at once (§6's "single-writer" assumption underlying the
// registry and appender). It creates "<dir>/LOCK", takes a platform
// advisory lock (flock/LockFileEx) on the descriptor, and stamps the file
// with this process's pid and acquisition time for diagnostics. The
// returned release function unlocks, closes, and removes the file.
func AcquireDirLock(dir string, timeout time.Duration) (func() error, error) {
	lockPath := filepath.Join(dir, "LOCK")

	release, err := AcquireOSFileLock(lockPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("acquire wal dir lock %s: %w", lockPath, err)
	}

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	_ = os.WriteFile(lockPath, buf, 0644)

	return release, nil
}
