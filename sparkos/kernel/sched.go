package kernel

// runnableLocked reports whether slot id may be given the CPU.
// A joiner stays READY but is parked until its target has exited.
func (k *Kernel) runnableLocked(id ThreadID) bool {
	t := &k.threads[id]
	if t.status != StatusReady {
		return false
	}
	if t.joining == noThread {
		return true
	}
	return k.threads[t.joining].status == StatusExited
}

// pickLocked scans the table round-robin starting after the current thread.
// The current thread is considered last, so it is re-selected only when
// nothing else can run.
func (k *Kernel) pickLocked() (ThreadID, bool) {
	n := k.used
	for i := 1; i <= n; i++ {
		id := ThreadID((int(k.current) + i) % n)
		if k.runnableLocked(id) {
			return id, true
		}
	}
	return 0, false
}

func (k *Kernel) anyLiveLocked() bool {
	for i := 0; i < k.used; i++ {
		if k.threads[i].live() {
			return true
		}
	}
	return false
}

// switchLocked gives up the CPU. It must be called with k.mu held by the
// running thread and returns with k.mu released.
//
// If the current thread is still live it is marked READY and suspended;
// switchLocked then returns once the scheduler resumes it. For an exited
// thread it returns as soon as the next thread has been handed the CPU and
// the caller must not touch kernel state again.
func (k *Kernel) switchLocked() {
	curID := k.current
	cur := &k.threads[curID]
	if cur.status == StatusRunning {
		cur.status = StatusReady
	}

	nextID, ok := k.pickLocked()
	if !ok {
		if !k.anyLiveLocked() {
			k.mu.Unlock()
			k.doneOnce.Do(func() { close(k.done) })
			k.log.Debug().Msg("all threads exited")
			return
		}
		k.mu.Unlock()
		k.fatal(curID, ErrNoRunnableThread)
		return
	}

	next := &k.threads[nextID]
	next.status = StatusRunning
	next.dispatches++
	if nextID == curID {
		k.mu.Unlock()
		return
	}

	k.current = nextID
	k.switches.Add(1)
	exiting := cur.status == StatusExited
	curCtx := cur.ctx
	nextCtx := next.ctx
	k.mu.Unlock()

	k.log.Trace().Int("from", int(curID)).Int("to", int(nextID)).Msg("switch")
	nextCtx.resume()
	if exiting {
		return
	}
	curCtx.suspend()
}

// Yield voluntarily gives the CPU to the next runnable thread.
func (k *Kernel) Yield() {
	k.mu.Lock()
	k.switchLocked()
}

// Preempt is a safe point: if a timer interrupt is pending and the running
// thread has not masked preemption, the thread is switched out.
func (k *Kernel) Preempt() {
	if !k.pending.Load() {
		return
	}
	k.mu.Lock()
	if k.threads[k.current].maskDepth > 0 {
		k.mu.Unlock()
		return
	}
	k.deliverLocked()
}

// deliverLocked consumes a pending interrupt, if any, and reschedules.
// Called with k.mu held; returns with it released.
func (k *Kernel) deliverLocked() {
	if !k.pending.CompareAndSwap(true, false) {
		k.mu.Unlock()
		return
	}
	k.preemptions.Add(1)
	k.switchLocked()
}

// Mask defers timer interrupts for the running thread. Calls nest.
func (k *Kernel) Mask() {
	k.mu.Lock()
	k.threads[k.current].maskDepth++
	k.mu.Unlock()
}

// Unmask undoes one Mask. The outermost Unmask delivers an interrupt that
// arrived while masked.
func (k *Kernel) Unmask() {
	k.mu.Lock()
	t := &k.threads[k.current]
	if t.maskDepth == 0 {
		k.mu.Unlock()
		return
	}
	t.maskDepth--
	if t.maskDepth > 0 {
		k.mu.Unlock()
		return
	}
	k.deliverLocked()
}
