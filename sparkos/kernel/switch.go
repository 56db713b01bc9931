package kernel

// Outcome tells a suspended thread why it is running again.
type Outcome uint8

const (
	// Started is returned on the first resumption: the thread begins its entry.
	Started Outcome = iota + 1
	// Resumed is returned on every later resumption: control goes back to
	// the caller of the suspending operation.
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// execContext is the saved execution state of a thread.
//
// The goroutine hosting the thread is the register file and stack; the
// context only needs a way to park it and hand it the CPU again. The wake
// channel has one slot, so a resume that races ahead of the matching
// suspend is not lost.
type execContext struct {
	wake    chan struct{}
	started bool
}

func newExecContext() *execContext {
	return &execContext{wake: make(chan struct{}, 1)}
}

// runningContext returns a context for a thread that is already executing.
func runningContext() *execContext {
	c := newExecContext()
	c.started = true
	return c
}

// suspend parks the calling goroutine until resume is called.
// Only the goroutine that owns the context may call it.
func (c *execContext) suspend() Outcome {
	<-c.wake
	if !c.started {
		c.started = true
		return Started
	}
	return Resumed
}

// resume transfers the logical CPU to the context's goroutine.
func (c *execContext) resume() {
	select {
	case c.wake <- struct{}{}:
	default:
		// A wake-up is already pending; the CPU can only be handed over once.
	}
}
