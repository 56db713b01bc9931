package hal

import (
	"fmt"
	"sync"
	"unsafe"
)

// Mapping is an anonymous memory mapping with page-level access control.
//
// The bytes returned by Bytes are only accessible while the covering pages
// allow it; touching a ProtNone page faults.
type Mapping struct {
	mu       sync.Mutex
	buf      []byte
	size     int
	pageSize int
	released bool
}

type hostMemory struct {
	pageSize int
}

// HostMemory returns the host page allocator.
func HostMemory() Memory {
	return hostMemory{pageSize: pageSize()}
}

func (m hostMemory) PageSize() int { return m.pageSize }

func (m hostMemory) Map(size int, prot Prot) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map %d bytes: invalid size", size)
	}
	buf, err := mapPages(size, prot)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", size, err)
	}
	return &Mapping{buf: buf, size: size, pageSize: m.pageSize}, nil
}

// Len returns the mapping size in bytes.
func (m *Mapping) Len() int { return m.size }

// PageSize returns the protection granularity.
func (m *Mapping) PageSize() int { return m.pageSize }

// Bytes returns the raw mapped memory. Access is subject to the current protection.
func (m *Mapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	return m.buf
}

// Base returns the address of the first mapped byte.
func (m *Mapping) Base() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released || len(m.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.buf)))
}

// Contains reports whether addr falls inside the pages backing the mapping.
func (m *Mapping) Contains(addr uintptr) bool {
	base := m.Base()
	if base == 0 {
		return false
	}
	end := base + uintptr(m.pageSpan(m.size))
	return addr >= base && addr < end
}

// Protect sets the permission of every page that overlaps [off, off+n).
func (m *Mapping) Protect(off, n int, prot Prot) error {
	if off < 0 || n < 0 || off > m.size-n {
		return fmt.Errorf("protect [%d,+%d) of %d bytes: out of range", off, n, m.size)
	}
	if n == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrUnmapped
	}
	start := off - off%m.pageSize
	end := start + m.pageSpan(off+n-start)
	if end > len(m.buf) {
		end = len(m.buf)
	}
	if err := protectPages(m.buf[start:end], prot); err != nil {
		return fmt.Errorf("protect [%d,%d) %s: %w", start, end, prot, err)
	}
	return nil
}

// Unmap releases the mapping. It must be called exactly once.
func (m *Mapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrUnmapped
	}
	m.released = true
	buf := m.buf
	m.buf = nil
	return unmapPages(buf)
}

// Released reports whether Unmap has been called.
func (m *Mapping) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// pageSpan rounds n bytes starting at a page boundary up to whole pages.
func (m *Mapping) pageSpan(n int) int {
	pages := (n + m.pageSize - 1) / m.pageSize
	return pages * m.pageSize
}
