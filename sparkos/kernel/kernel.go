package kernel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"uthreads/hal"

	"github.com/phuslu/log"
)

const (
	DefaultCapacity  = 128
	DefaultStackSize = 1 << 15

	maxCapacity = int(noThread)
)

// Config configures a Kernel.
type Config struct {
	// Capacity is the number of thread slots, including the initial thread.
	Capacity int
	// StackSize is the size of the stack mapping owned by each created thread.
	StackSize int
	// ReuseSlots allows Create to recycle the slot of an exited thread whose
	// exit value has already been collected by Join. Off by default: the
	// table then fills monotonically.
	ReuseSlots bool
	// Memory provides thread stacks. Defaults to hal.HostMemory().
	Memory hal.Memory
	// Logger defaults to a discarding logger.
	Logger *log.Logger
}

// FaultHandler decides what happens when thread id faults on addr.
// Returning true terminates the thread; false lets the fault propagate.
type FaultHandler func(id ThreadID, addr uintptr) bool

// Kernel is a single-CPU round-robin thread scheduler.
//
// Exactly one thread runs at any time. The goroutine that calls New becomes
// thread 0; every other thread is a goroutine parked on its execution
// context until the scheduler hands it the CPU.
type Kernel struct {
	mu      sync.Mutex
	threads []tcb
	used    int // slots ever handed out
	current ThreadID

	mem       hal.Memory
	stackSize int
	reuse     bool
	log       log.Logger

	// pending is raised by TickTo and consumed at the next safe point.
	pending atomic.Bool
	ticks   atomic.Uint64

	fault      atomic.Pointer[FaultHandler]
	exitHooks  []func(ThreadID)
	reuseHooks []func(ThreadID)

	done     chan struct{}
	doneOnce sync.Once

	switches    atomic.Uint64
	preemptions atomic.Uint64
	created     atomic.Uint64
	exited      atomic.Uint64
	faults      atomic.Uint64
}

// New creates a kernel and adopts the calling goroutine as thread 0.
func New(cfg Config) (*Kernel, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Capacity < 1 || cfg.Capacity > maxCapacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, cfg.Capacity)
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.StackSize < 0 {
		return nil, fmt.Errorf("%w: stack size %d", ErrInvalidArgument, cfg.StackSize)
	}
	if cfg.Memory == nil {
		cfg.Memory = hal.HostMemory()
	}

	k := &Kernel{
		threads:   make([]tcb, cfg.Capacity),
		mem:       cfg.Memory,
		stackSize: cfg.StackSize,
		reuse:     cfg.ReuseSlots,
		done:      make(chan struct{}),
	}
	if cfg.Logger != nil {
		k.log = *cfg.Logger
	} else {
		k.log = log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
	}

	k.threads[0] = tcb{status: StatusRunning, ctx: runningContext(), joining: noThread}
	k.used = 1
	k.created.Add(1)

	k.log.Debug().Int("capacity", cfg.Capacity).Int("stack_size", cfg.StackSize).Bool("reuse_slots", cfg.ReuseSlots).Msg("kernel started")
	return k, nil
}

// Capacity returns the number of thread slots.
func (k *Kernel) Capacity() int { return len(k.threads) }

// TickTo delivers a timer interrupt.
//
// It may be called from any goroutine. The running thread takes the
// interrupt at its next safe point unless it has preemption masked.
func (k *Kernel) TickTo(seq uint64) {
	for {
		cur := k.ticks.Load()
		if seq <= cur {
			return
		}
		if k.ticks.CompareAndSwap(cur, seq) {
			break
		}
	}
	k.pending.Store(true)
}

// NowTick returns the last delivered tick.
func (k *Kernel) NowTick() uint64 { return k.ticks.Load() }

// HandleFaults installs the memory fault handler. Only one handler can be
// installed; a second call returns false.
func (k *Kernel) HandleFaults(h FaultHandler) bool {
	if h == nil {
		return false
	}
	return k.fault.CompareAndSwap(nil, &h)
}

// OnExit registers fn to run on every exiting thread before it gives up the CPU.
func (k *Kernel) OnExit(fn func(ThreadID)) {
	if fn == nil {
		return
	}
	k.mu.Lock()
	k.exitHooks = append(k.exitHooks, fn)
	k.mu.Unlock()
}

// OnReuse registers fn to run on the creating thread before a recycled slot
// is handed to a new thread, so per-thread state keyed by the old id can be
// dropped.
func (k *Kernel) OnReuse(fn func(ThreadID)) {
	if fn == nil {
		return
	}
	k.mu.Lock()
	k.reuseHooks = append(k.reuseHooks, fn)
	k.mu.Unlock()
}

// Done is closed once every thread has exited.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// ThreadInfo describes one slot of the thread table.
type ThreadInfo struct {
	ID         ThreadID
	Status     Status
	Joining    bool
	JoinTarget ThreadID
	Masked     bool
	StackBytes int
	Dispatches uint64
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Capacity    int
	Used        int
	Current     ThreadID
	Ticks       uint64
	Switches    uint64
	Preemptions uint64
	Created     uint64
	Exited      uint64
	Faults      uint64
	Threads     []ThreadInfo
}

// Count returns the number of threads in status s.
func (s Stats) Count(st Status) int {
	n := 0
	for _, t := range s.Threads {
		if t.Status == st {
			n++
		}
	}
	return n
}

// Snapshot returns the current scheduler state. Safe to call from any goroutine.
func (k *Kernel) Snapshot() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := Stats{
		Capacity:    len(k.threads),
		Used:        k.used,
		Current:     k.current,
		Ticks:       k.ticks.Load(),
		Switches:    k.switches.Load(),
		Preemptions: k.preemptions.Load(),
		Created:     k.created.Load(),
		Exited:      k.exited.Load(),
		Faults:      k.faults.Load(),
		Threads:     make([]ThreadInfo, k.used),
	}
	for i := 0; i < k.used; i++ {
		t := &k.threads[i]
		info := ThreadInfo{
			ID:         ThreadID(i),
			Status:     t.status,
			Joining:    t.joining != noThread,
			Masked:     t.maskDepth > 0,
			Dispatches: t.dispatches,
		}
		if info.Joining {
			info.JoinTarget = t.joining
		}
		if t.stack != nil {
			info.StackBytes = t.stack.Len()
		}
		st.Threads[i] = info
	}
	return st
}
