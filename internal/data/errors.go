package data

import "errors"

var (
	// ErrLockNotHeld is returned when releasing a fast-tier lock that this
	// holder does not own.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrTaskAlreadyQueued is returned when enqueueing a task ID that is
	// already pending or reserved.
	ErrTaskAlreadyQueued = errors.New("task already queued")
)
