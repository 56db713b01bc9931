package kernel

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"uthreads/hal"
)

// Entry is the body of a thread. Returning from it is the same as calling
// Exit with the returned value.
type Entry func(ctx *Context, arg any) any

// Create starts a new thread running entry(arg). The thread is READY and
// first runs when the scheduler selects it.
func (k *Kernel) Create(entry Entry, arg any) (ThreadID, error) {
	if entry == nil {
		return 0, fmt.Errorf("%w: nil entry", ErrInvalidArgument)
	}

	stack, err := k.mem.Map(k.stackSize, hal.ProtReadWrite)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}

	k.mu.Lock()
	id, reused, ok := k.reserveLocked()
	if !ok {
		k.mu.Unlock()
		if err := stack.Unmap(); err != nil {
			k.log.Warn().Err(err).Msg("stack release failed")
		}
		k.log.Warn().Int("capacity", len(k.threads)).Msg("thread table full")
		return 0, ErrCapacityExceeded
	}
	if reused {
		// Claim the slot so no other Create picks it while the hooks run.
		k.threads[id].reaped = false
		hooks := k.reuseHooks
		k.mu.Unlock()
		for _, fn := range hooks {
			fn(id)
		}
		k.mu.Lock()
	}

	t := &k.threads[id]
	*t = tcb{status: StatusReady, ctx: newExecContext(), stack: stack, joining: noThread, guarded: true}
	if int(id) == k.used {
		k.used++
	}
	ctx := t.ctx
	k.mu.Unlock()

	k.created.Add(1)
	go k.run(id, ctx, entry, arg)

	k.log.Debug().Int("thread", int(id)).Bool("reused", reused).Msg("thread created")
	return id, nil
}

// reserveLocked finds a slot for a new thread. reused is set when the slot
// held a thread before.
func (k *Kernel) reserveLocked() (id ThreadID, reused, ok bool) {
	if k.used < len(k.threads) {
		return ThreadID(k.used), false, true
	}
	if !k.reuse {
		return 0, false, false
	}
	for i := 1; i < k.used; i++ {
		t := &k.threads[i]
		if t.status == StatusExited && t.reaped {
			return ThreadID(i), true, true
		}
	}
	return 0, false, false
}

// run is the body of a thread's hosting goroutine.
func (k *Kernel) run(id ThreadID, ctx *execContext, entry Entry, arg any) {
	debug.SetPanicOnFault(true)
	if ctx.suspend() != Started {
		k.fatal(id, errors.New("kernel: thread resumed before start"))
		return
	}
	k.finish(id, k.call(id, entry, arg))
}

// Run executes entry as the body of thread 0 and returns its exit value.
//
// It must be called once, by the goroutine that created the kernel. Inside
// entry, Exit and faults claimed by the fault handler end thread 0 exactly
// as they end created threads. When Run returns, thread 0 has exited and the
// CPU belongs to the next runnable thread.
func (k *Kernel) Run(entry Entry, arg any) (any, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: nil entry", ErrInvalidArgument)
	}
	k.mu.Lock()
	t := &k.threads[0]
	if k.current != 0 || t.status != StatusRunning || t.guarded {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: Run outside thread 0", ErrInvalidArgument)
	}
	t.guarded = true
	k.mu.Unlock()

	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	v := k.call(0, entry, arg)
	k.finish(0, v)
	return v, nil
}

// exitSignal carries an Exit value up to call.
type exitSignal struct {
	value any
}

// call runs entry. An Exit inside entry unwinds to here, so deferred calls
// run while the thread still owns the CPU; a fault claimed by the fault
// handler becomes an exit with a nil value.
func (k *Kernel) call(id ThreadID, entry Entry, arg any) (ret any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if sig, ok := r.(exitSignal); ok {
			ret = sig.value
			return
		}
		if addr, ok := faultAddr(r); ok && k.handleFault(id, addr) {
			ret = nil
			return
		}
		triggerPanic(PanicInfo{ThreadID: id, Value: r})
		panic(r)
	}()
	return entry(&Context{k: k, id: id}, arg)
}

// Exit terminates the calling thread with value. It does not return.
//
// Threads started by Create or Run unwind their deferred calls first. A
// bare thread 0 that never entered Run cannot unwind before handing off
// the CPU, so its deferred calls run after the switch.
func (k *Kernel) Exit(value any) {
	k.mu.Lock()
	id := k.current
	guarded := k.threads[id].guarded
	k.mu.Unlock()
	if guarded {
		panic(exitSignal{value: value})
	}
	k.finish(id, value)
	runtime.Goexit()
}

// finish runs the exit hooks, records value, releases the stack and hands
// the CPU on. The caller must not touch kernel state afterwards.
func (k *Kernel) finish(id ThreadID, value any) {
	k.mu.Lock()
	hooks := k.exitHooks
	k.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}

	k.mu.Lock()
	t := &k.threads[id]
	t.status = StatusExited
	t.exitValue = value
	t.maskDepth = 0
	stack := t.stack
	t.stack = nil
	k.exited.Add(1)
	if stack != nil {
		if err := stack.Unmap(); err != nil {
			k.log.Warn().Int("thread", int(id)).Err(err).Msg("stack release failed")
		}
	}
	k.log.Debug().Int("thread", int(id)).Msg("thread exited")
	k.switchLocked()
}

// Join waits until thread id has exited and returns its exit value.
//
// The caller is parked by the scheduler rather than spinning: it stays
// READY but is skipped until the target exits.
func (k *Kernel) Join(id ThreadID) (any, error) {
	k.mu.Lock()
	if int(id) >= k.used || k.threads[id].status == StatusFree {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, id)
	}
	self := k.current
	if id == self {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %d joining itself", ErrDeadlock, id)
	}

	if k.threads[id].status != StatusExited {
		k.threads[self].joining = id
		k.switchLocked()
		k.mu.Lock()
		k.threads[self].joining = noThread
	}

	t := &k.threads[id]
	v := t.exitValue
	t.reaped = true
	k.mu.Unlock()
	return v, nil
}

// Self returns the id of the running thread.
func (k *Kernel) Self() ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Status returns the scheduling state of thread id.
func (k *Kernel) Status(id ThreadID) (Status, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if int(id) >= k.used {
		return StatusFree, fmt.Errorf("%w: %d", ErrInvalidHandle, id)
	}
	return k.threads[id].status, nil
}
