package sys

import (
	"io"
	"os"
)

// FileHandle is the narrow file surface every WAL component depends on
// instead of *os.File directly, so tests can substitute an in-memory or
// fault-injecting implementation (§6, §9's redesign note against global
// test hooks: fault injection is an injected collaborator, not a package
// variable).
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker
	io.ReaderFrom
	io.WriterTo
	io.StringWriter

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
	// Fd exposes the raw descriptor for Preallocate, which needs it for
	// fallocate/F_PREALLOCATE/SetFileInformationByHandle.
	Fd() uintptr
}
