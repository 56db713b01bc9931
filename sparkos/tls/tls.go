// Package tls provides page-protected thread-local storage regions for
// kernel threads.
//
// A region is kept with no access permission except for the duration of a
// Read or Write by its bound thread, so stray accesses fault. Regions can be
// cloned: the clone gets an eager copy of the bytes but joins the source's
// lineage, whose reference count decides when storage is released.
package tls

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"

	"uthreads/hal"
	"uthreads/sparkos/kernel"
)

// Options configures a Manager.
type Options struct {
	// ReleaseOnExit destroys an exiting thread's binding. Off by default:
	// a thread that exits while bound keeps its lineage alive.
	ReleaseOnExit bool
	// Memory defaults to hal.HostMemory().
	Memory hal.Memory
	Logger *log.Logger
}

// lineage is the destruction accounting shared by a region and its clones.
type lineage struct {
	id      uint64
	refs    atomic.Int32
	regions []*region // guarded by Manager.mu
}

type region struct {
	mapping *hal.Mapping
	size    int
	lin     *lineage
}

// Manager owns every TLS region of one kernel.
type Manager struct {
	k   *kernel.Kernel
	mem hal.Memory
	log log.Logger

	bindings *xsync.Map[kernel.ThreadID, *region]

	mu          sync.Mutex
	live        map[*region]struct{}
	lineages    int
	nextLineage uint64
	scratch     []byte

	faults       atomic.Uint64
	clones       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewManager creates the TLS manager for k and installs its fault handler.
func NewManager(k *kernel.Kernel, opts Options) (*Manager, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil kernel", ErrInvalidArgument)
	}
	if opts.Memory == nil {
		opts.Memory = hal.HostMemory()
	}

	m := &Manager{
		k:        k,
		mem:      opts.Memory,
		bindings: xsync.NewMap[kernel.ThreadID, *region](),
		live:     make(map[*region]struct{}),
		scratch:  make([]byte, opts.Memory.PageSize()),
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
	}

	if !k.HandleFaults(m.handleFault) {
		return nil, fmt.Errorf("%w: kernel already has a fault handler", ErrInvalidArgument)
	}
	if opts.ReleaseOnExit {
		k.OnExit(func(id kernel.ThreadID) { m.release(id, "release on exit") })
	}
	k.OnReuse(func(id kernel.ThreadID) { m.release(id, "release of recycled slot") })
	return m, nil
}

// Create maps a region of size bytes and binds it to the calling thread.
func (m *Manager) Create(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	self := m.k.Self()

	m.k.Mask()
	defer m.k.Unmask()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bindings.Load(self); ok {
		return fmt.Errorf("%w: thread %d", ErrAlreadyBound, self)
	}
	mp, err := m.mem.Map(size, hal.ProtNone)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}

	m.nextLineage++
	lin := &lineage{id: m.nextLineage}
	lin.refs.Store(1)
	r := &region{mapping: mp, size: size, lin: lin}
	lin.regions = append(lin.regions, r)
	m.live[r] = struct{}{}
	m.lineages++
	m.bindings.Store(self, r)

	m.log.Debug().Int("thread", int(self)).Int("size", size).Uint64("lineage", lin.id).Msg("region created")
	return nil
}

// Write copies buf[:n] into the calling thread's region at off.
func (m *Manager) Write(off, n int, buf []byte) error {
	if len(buf) < n {
		return fmt.Errorf("%w: buffer holds %d of %d bytes", ErrInvalidArgument, len(buf), n)
	}
	err := m.access(off, n, hal.ProtWrite, func(b []byte) { copy(b, buf[:n]) })
	if err == nil {
		m.bytesWritten.Add(uint64(n))
	}
	return err
}

// Read copies n bytes at off from the calling thread's region into buf.
func (m *Manager) Read(off, n int, buf []byte) error {
	if len(buf) < n {
		return fmt.Errorf("%w: buffer holds %d of %d bytes", ErrInvalidArgument, len(buf), n)
	}
	err := m.access(off, n, hal.ProtRead, func(b []byte) { copy(buf[:n], b) })
	if err == nil {
		m.bytesRead.Add(uint64(n))
	}
	return err
}

// access opens the pages covering [off, off+n) of the caller's region with
// prot, runs fn on that window and closes the pages again.
func (m *Manager) access(off, n int, prot hal.Prot, fn func([]byte)) error {
	self := m.k.Self()
	r, ok := m.bindings.Load(self)
	if !ok {
		return fmt.Errorf("%w: thread %d", ErrNotBound, self)
	}
	if off < 0 || n < 0 || off > r.size-n {
		return fmt.Errorf("%w: [%d,+%d) outside %d bytes", ErrInvalidArgument, off, n, r.size)
	}
	if n == 0 {
		return nil
	}

	m.k.Mask()
	defer m.k.Unmask()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowLocked(r.mapping, off, n, prot, fn)
}

func (m *Manager) windowLocked(mp *hal.Mapping, off, n int, prot hal.Prot, fn func([]byte)) error {
	if err := mp.Protect(off, n, prot); err != nil {
		return err
	}
	fn(mp.Bytes()[off : off+n])
	return mp.Protect(off, n, hal.ProtNone)
}

// Destroy unbinds the calling thread. Storage of the lineage is released
// once its last binding is destroyed.
func (m *Manager) Destroy() error {
	return m.destroy(m.k.Self())
}

func (m *Manager) destroy(id kernel.ThreadID) error {
	m.k.Mask()
	defer m.k.Unmask()
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.bindings.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: thread %d", ErrNotBound, id)
	}
	lin := r.lin
	if lin.refs.Add(-1) > 0 {
		m.log.Debug().Int("thread", int(id)).Uint64("lineage", lin.id).Int32("refs", lin.refs.Load()).Msg("region unbound")
		return nil
	}

	var firstErr error
	for _, lr := range lin.regions {
		delete(m.live, lr)
		if err := lr.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lin.regions = nil
	m.lineages--
	m.log.Debug().Int("thread", int(id)).Uint64("lineage", lin.id).Msg("lineage released")
	return firstErr
}

// Clone binds the calling thread to a copy of target's region. The copy
// shares the target's lineage but not its storage.
func (m *Manager) Clone(target kernel.ThreadID) error {
	self := m.k.Self()

	m.k.Mask()
	defer m.k.Unmask()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bindings.Load(self); ok {
		return fmt.Errorf("%w: thread %d", ErrAlreadyBound, self)
	}
	src, ok := m.bindings.Load(target)
	if !ok {
		return fmt.Errorf("%w: target thread %d", ErrNotBound, target)
	}
	mp, err := m.mem.Map(src.size, hal.ProtNone)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}

	// One page at a time through the scratch buffer, so only one mapping
	// has a window open at any point.
	page := len(m.scratch)
	for off := 0; off < src.size; off += page {
		n := min(page, src.size-off)
		if err := m.windowLocked(src.mapping, off, n, hal.ProtRead, func(b []byte) { copy(m.scratch, b) }); err != nil {
			m.unmapLocked(mp, self)
			return err
		}
		if err := m.windowLocked(mp, off, n, hal.ProtWrite, func(b []byte) { copy(b, m.scratch[:n]) }); err != nil {
			m.unmapLocked(mp, self)
			return err
		}
	}
	clear(m.scratch)

	r := &region{mapping: mp, size: src.size, lin: src.lin}
	src.lin.refs.Add(1)
	src.lin.regions = append(src.lin.regions, r)
	m.live[r] = struct{}{}
	m.bindings.Store(self, r)
	m.clones.Add(1)

	m.log.Debug().Int("thread", int(self)).Int("target", int(target)).Uint64("lineage", src.lin.id).Msg("region cloned")
	return nil
}

// unmapLocked releases a mapping that never got bound.
func (m *Manager) unmapLocked(mp *hal.Mapping, id kernel.ThreadID) {
	clear(m.scratch)
	if err := mp.Unmap(); err != nil {
		m.log.Warn().Int("thread", int(id)).Err(err).Msg("clone mapping release failed")
	}
}

// Bound reports whether thread id has a region and its size.
func (m *Manager) Bound(id kernel.ThreadID) (int, bool) {
	r, ok := m.bindings.Load(id)
	if !ok {
		return 0, false
	}
	return r.size, true
}

// Refs returns the reference count of the lineage id is bound to.
func (m *Manager) Refs(id kernel.ThreadID) int {
	r, ok := m.bindings.Load(id)
	if !ok {
		return 0
	}
	return int(r.lin.refs.Load())
}

// Raw returns the protected backing bytes of id's region. Touching them
// outside Read or Write faults.
func (m *Manager) Raw(id kernel.ThreadID) ([]byte, error) {
	r, ok := m.bindings.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: thread %d", ErrNotBound, id)
	}
	return r.mapping.Bytes(), nil
}

// release destroys id's binding, if any, on behalf of the kernel.
func (m *Manager) release(id kernel.ThreadID, what string) {
	if _, ok := m.bindings.Load(id); !ok {
		return
	}
	if err := m.destroy(id); err != nil {
		m.log.Warn().Int("thread", int(id)).Err(err).Msg(what + " failed")
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Regions      int
	Bindings     int
	Lineages     int
	Faults       uint64
	Clones       uint64
	BytesRead    uint64
	BytesWritten uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{Regions: len(m.live), Lineages: m.lineages}
	m.mu.Unlock()
	st.Bindings = m.bindings.Size()
	st.Faults = m.faults.Load()
	st.Clones = m.clones.Load()
	st.BytesRead = m.bytesRead.Load()
	st.BytesWritten = m.bytesWritten.Load()
	return st
}
