package walcore

import "errors"

// Sentinel errors implementing the error taxonomy from §7. Callers
// distinguish them with errors.Is; wrapped context is added with
// fmt.Errorf("...: %w", ErrX).
var (
	// ErrCorruption marks damage local to a single segment (bad CRC, bad
	// magic, truncated record). It is never fatal to the process: the
	// segment is skipped or truncated at the damaged point and recovery
	// continues.
	ErrCorruption = errors.New("walcore: corruption")

	// ErrIOError marks a failed write or fsync. Per §7, an IOError on
	// append or sync is fatal: the process that owns the WAL must
	// terminate rather than risk silently losing durability.
	ErrIOError = errors.New("walcore: io error")

	// ErrIllegalState marks a call made while the component is in a state
	// that forbids it (e.g. Append after Close, StartAllocation while an
	// allocation is pending).
	ErrIllegalState = errors.New("walcore: illegal state")

	// ErrServiceUnavailable marks rejection due to shutdown in progress.
	ErrServiceUnavailable = errors.New("walcore: service unavailable")

	// ErrInvalidArgument marks a caller-supplied argument that fails
	// validation (e.g. a negative retention count).
	ErrInvalidArgument = errors.New("walcore: invalid argument")

	// ErrNotSupported marks a recognized but unimplemented operation, or an
	// on-disk format version newer than this binary understands.
	ErrNotSupported = errors.New("walcore: not supported")

	// ErrTimedOut marks a blocking operation that exceeded its deadline.
	// No operation in this module returns it; Reserve() waits on a full
	// queue without a deadline.
	ErrTimedOut = errors.New("walcore: timed out")

	// ErrRecordTooLarge marks an entry batch whose serialized size exceeds
	// the maximum a single frame can address.
	ErrRecordTooLarge = errors.New("walcore: record too large")
)
