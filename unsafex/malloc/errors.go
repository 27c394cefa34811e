package malloc

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates that no free block can host the request.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrBadSize indicates a request of zero or negative size.
	ErrBadSize = errors.New("malloc: size must be positive")

	// ErrBadAlign indicates an alignment that is not a power of two.
	ErrBadAlign = errors.New("malloc: alignment must be a power of two")
)

// CorruptionError reports a broken block list invariant found by Check.
type CorruptionError struct {
	// Header is the address of the offending block header.
	Header Ptr
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("malloc: corrupted block at %#x: %s", uintptr(e.Header), e.Reason)
}
