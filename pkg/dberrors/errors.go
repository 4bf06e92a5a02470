package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an absent key. Callers should treat it as an
	// ordinary empty result, not a failure.
	ErrNotFound = errors.New("granite: not found")

	// ErrCorruption reports a checksum mismatch or a malformed block,
	// footer or manifest record.
	ErrCorruption = errors.New("granite: corruption")

	// ErrInvalidArgument reports API misuse rejected at call time.
	ErrInvalidArgument = errors.New("granite: invalid argument")

	// ErrBusy reports transient contention, e.g. a compaction already
	// targeting overlapping files. Retryable.
	ErrBusy = errors.New("granite: busy, try again")

	// ErrShutdown is returned once Close has begun.
	ErrShutdown = errors.New("granite: shutdown in progress")

	// ErrClosed is returned for operations on an already closed handle.
	ErrClosed = errors.New("granite: closed")

	// ErrReadOnly is returned for mutations on a read-only instance, e.g.
	// a store opened from a checkpoint directory in read-only mode.
	ErrReadOnly = errors.New("granite: read-only")
)

// Corruption wraps ErrCorruption with a formatted detail message.
func Corruption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err denotes an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorruption reports whether err denotes on-disk corruption.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
