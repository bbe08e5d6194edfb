package sys

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// FsEnv is the injectable filesystem collaborator named in §6: every
// directory/file operation the WAL performs goes through it, so tests can
// substitute a fault-injecting implementation without touching real disk.
type FsEnv interface {
	CreateDirIfMissing(dir string) error
	FileExists(path string) bool
	NewWritableFile(path string) (FileHandle, error)
	NewTempWritableFile(dir, pattern string) (FileHandle, string, error)
	NewRandomAccessFile(path string) (FileHandle, error)
	RenameFile(oldpath, newpath string) error
	SyncDir(dir string) error
	DeleteFile(path string) error
	DeleteRecursively(path string) error
	// FreeSpace returns the bytes available to an unprivileged writer on
	// the filesystem backing dir, used against fs_wal_dir_reserved_bytes.
	FreeSpace(dir string) (uint64, error)
}

var _ FsEnv = RealFsEnv{}

// RealFsEnv is the production FsEnv, backed directly by the os package.
type RealFsEnv struct{}

func NewRealFsEnv() RealFsEnv { return RealFsEnv{} }

func (RealFsEnv) CreateDirIfMissing(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

func (RealFsEnv) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (RealFsEnv) NewWritableFile(path string) (FileHandle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open writable file %s: %w", path, err)
	}
	return NewRealFile(f), nil
}

// NewTempWritableFile creates a placeholder file named per
// walcore.PlaceholderFilePrefix, to be renamed into place once the
// allocator task (C9) finishes preallocating it.
func (RealFsEnv) NewTempWritableFile(dir, pattern string) (FileHandle, string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, "", fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	return NewRealFile(f), f.Name(), nil
}

func (RealFsEnv) NewRandomAccessFile(path string) (FileHandle, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open random access file %s: %w", path, err)
	}
	return NewRealFile(f), nil
}

// RenameFile performs an atomic rename, falling back to copy+delete when
// os.Rename fails across filesystem boundaries (e.g. a temp dir mounted
// separately from the WAL directory).
func (RealFsEnv) RenameFile(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err == nil {
		return nil
	}

	src, err := os.Open(oldpath)
	if err != nil {
		return fmt.Errorf("rename fallback: open src %s: %w", oldpath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(newpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("rename fallback: open dst %s: %w", newpath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("rename fallback: copy %s -> %s: %w", oldpath, newpath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("rename fallback: close dst %s: %w", newpath, err)
	}
	_ = os.Remove(oldpath)
	return nil
}

func (RealFsEnv) SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s for sync: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

func (RealFsEnv) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

func (RealFsEnv) DeleteRecursively(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete recursively %s: %w", path, err)
	}
	return nil
}

func (RealFsEnv) FreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("free space for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// retryDelete mirrors the teacher's SafeRemove: some platforms (notably
// Windows) can transiently deny a delete while an antivirus or indexer has
// the file open; retrying a few times with backoff avoids a hard failure.
func retryDelete(path string, maxRetries int, interval time.Duration) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(interval * time.Duration(1<<i))
	}
	return err
}

// DeleteFileWithRetry deletes path, retrying a few times for platforms where
// a just-closed handle may still be briefly held open. The WAL's own GC
// deletes segment files through FsEnv.DeleteFile, not through this helper.
func DeleteFileWithRetry(path string) error {
	return retryDelete(path, 5, 50*time.Millisecond)
}
