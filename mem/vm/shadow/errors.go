package shadow

import "errors"

var (
	// ErrInvalid is returned when an administrative request does not apply
	// to the current state of the domain.
	ErrInvalid = errors.New("invalid shadow operation")

	// ErrNoMemory is returned when the allocator cannot provide the pages
	// needed.
	ErrNoMemory = errors.New("out of shadow memory")

	// ErrPreempted is returned when a pool resize yielded before it
	// reached its target. Call again to continue.
	ErrPreempted = errors.New("shadow operation preempted")

	// ErrWriteAccessNotRemoved is returned when an optional write-access
	// revocation found a writable reference it cannot reach.
	ErrWriteAccessNotRemoved = errors.New("cannot remove write access")
)
