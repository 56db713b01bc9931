package kernel

import "uthreads/hal"

// ThreadID is a thread handle: the index of the thread's slot.
type ThreadID uint16

// noThread marks an unused joining field.
const noThread = ^ThreadID(0)

// Status is the scheduling state of a thread.
type Status uint8

const (
	// StatusFree marks a slot that has never held a thread.
	StatusFree Status = iota
	StatusReady
	StatusRunning
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// tcb is a thread control block.
type tcb struct {
	status Status
	ctx    *execContext
	stack  *hal.Mapping

	exitValue any
	// reaped is set once a joiner has collected exitValue.
	reaped bool

	// joining is the thread this one waits on, or noThread.
	joining ThreadID
	// maskDepth counts nested Mask calls made by this thread.
	maskDepth int
	// guarded is set while the thread body runs under call, so Exit can
	// unwind it.
	guarded bool

	dispatches uint64
}

func (t *tcb) live() bool {
	return t.status == StatusReady || t.status == StatusRunning
}
