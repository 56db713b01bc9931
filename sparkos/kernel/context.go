package kernel

// Context provides thread-local access to kernel operations.
type Context struct {
	k  *Kernel
	id ThreadID
}

// ThreadID returns the id of the thread the context was handed to.
func (c *Context) ThreadID() ThreadID { return c.id }

// Kernel returns the scheduler running the thread.
func (c *Context) Kernel() *Kernel { return c.k }

// Yield gives the CPU to the next runnable thread.
func (c *Context) Yield() {
	if c.k == nil {
		return
	}
	c.k.Yield()
}

// Preempt takes a pending timer interrupt, if any.
//
// Long-running loops should call it regularly; it is the point at which the
// quantum timer can switch the thread out.
func (c *Context) Preempt() {
	if c.k == nil {
		return
	}
	c.k.Preempt()
}

// Exit terminates the thread with value.
func (c *Context) Exit(value any) {
	c.k.Exit(value)
}

// Join waits for thread id to exit and returns its exit value.
func (c *Context) Join(id ThreadID) (any, error) {
	return c.k.Join(id)
}

// Mask defers timer interrupts until the matching Unmask.
func (c *Context) Mask() {
	if c.k == nil {
		return
	}
	c.k.Mask()
}

// Unmask undoes one Mask and takes an interrupt that arrived meanwhile.
func (c *Context) Unmask() {
	if c.k == nil {
		return
	}
	c.k.Unmask()
}

// NowTick returns the last delivered timer tick.
func (c *Context) NowTick() uint64 {
	if c.k == nil {
		return 0
	}
	return c.k.NowTick()
}
