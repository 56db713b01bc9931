package kernel

import "errors"

var (
	// ErrCapacityExceeded is returned when the thread table has no free slot.
	ErrCapacityExceeded = errors.New("kernel: thread table full")

	// ErrInvalidArgument is returned for a nil entry or a bad configuration value.
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrInvalidHandle is returned for a thread id that was never created.
	ErrInvalidHandle = errors.New("kernel: invalid thread handle")

	// ErrAllocationFailure is returned when a thread stack cannot be mapped.
	ErrAllocationFailure = errors.New("kernel: stack allocation failed")

	// ErrDeadlock is returned when a thread tries to join itself.
	ErrDeadlock = errors.New("kernel: join would deadlock")

	// ErrNoRunnableThread is the fatal scheduler invariant: live threads
	// exist but none of them can run.
	ErrNoRunnableThread = errors.New("kernel: no runnable thread")
)
