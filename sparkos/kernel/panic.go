package kernel

import (
	"sync"
	"sync/atomic"
)

// PanicInfo contains details about a fatal scheduler condition or an
// unrecovered thread panic.
type PanicInfo struct {
	ThreadID ThreadID
	Value    any
	Stack    []byte
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a fatal condition has been raised.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide panic handler.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = captureStack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// fatal reports an invariant violation and crashes the calling goroutine.
func (k *Kernel) fatal(id ThreadID, err error) {
	k.log.Error().Int("thread", int(id)).Err(err).Msg("scheduler invariant violated")
	triggerPanic(PanicInfo{ThreadID: id, Value: err})
	panic(err)
}
