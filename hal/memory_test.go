package hal

import (
	"errors"
	"testing"
)

func TestMapRejectsBadSize(t *testing.T) {
	mem := HostMemory()
	for _, size := range []int{0, -1} {
		if _, err := mem.Map(size, ProtReadWrite); err == nil {
			t.Fatalf("Map(%d): expected error", size)
		}
	}
}

func TestMappingReadWrite(t *testing.T) {
	mem := HostMemory()
	size := mem.PageSize()*2 + 17
	m, err := mem.Map(size, ProtReadWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer m.Unmap()

	if m.Len() != size {
		t.Fatalf("Len=%d want %d", m.Len(), size)
	}
	b := m.Bytes()
	if len(b) != size {
		t.Fatalf("len(Bytes)=%d want %d", len(b), size)
	}
	b[0], b[size-1] = 'a', 'z'
	if b[0] != 'a' || b[size-1] != 'z' {
		t.Fatal("write through mapping lost")
	}
}

func TestMappingContains(t *testing.T) {
	mem := HostMemory()
	m, err := mem.Map(10, ProtReadWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	base := m.Base()
	if base == 0 {
		t.Fatal("Base=0")
	}
	if !m.Contains(base) || !m.Contains(base+uintptr(mem.PageSize())-1) {
		t.Fatal("expected first page to be contained")
	}
	if m.Contains(base+uintptr(mem.PageSize())) || m.Contains(base-1) {
		t.Fatal("address outside the page reported as contained")
	}

	if err := m.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if m.Contains(base) {
		t.Fatal("released mapping still contains its base")
	}
}

func TestMappingProtect(t *testing.T) {
	mem := HostMemory()
	ps := mem.PageSize()
	m, err := mem.Map(ps*3, ProtNone)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer m.Unmap()

	// Open the middle page, touch it, close it again.
	if err := m.Protect(ps+1, 2, ProtReadWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	m.Bytes()[ps] = 7
	if got := m.Bytes()[ps+ps-1]; got != 0 {
		t.Fatalf("fresh page byte=%d want 0", got)
	}
	if err := m.Protect(ps, ps, ProtNone); err != nil {
		t.Fatalf("Protect none: %v", err)
	}
	if err := m.Protect(0, ps*3, ProtRead); err != nil {
		t.Fatalf("Protect read: %v", err)
	}
	if got := m.Bytes()[ps]; got != 7 {
		t.Fatalf("byte=%d want 7", got)
	}

	if err := m.Protect(0, 0, ProtNone); err != nil {
		t.Fatalf("empty Protect: %v", err)
	}
	for _, r := range [][2]int{{-1, 1}, {0, -1}, {ps * 3, 1}, {ps*3 - 1, 2}} {
		if err := m.Protect(r[0], r[1], ProtRead); err == nil {
			t.Fatalf("Protect(%d,%d): expected range error", r[0], r[1])
		}
	}
}

func TestMappingUnmapTwice(t *testing.T) {
	m, err := HostMemory().Map(1, ProtRead)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if !m.Released() {
		t.Fatal("expected Released")
	}
	if err := m.Unmap(); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("second Unmap: %v", err)
	}
	if err := m.Protect(0, 1, ProtRead); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("Protect after Unmap: %v", err)
	}
	if m.Bytes() != nil {
		t.Fatal("Bytes after Unmap should be nil")
	}
}

func TestPageSpan(t *testing.T) {
	m := &Mapping{pageSize: 4096}
	tests := []struct{ n, want int }{
		{0, 0},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
	}
	for _, tt := range tests {
		if got := m.pageSpan(tt.n); got != tt.want {
			t.Errorf("pageSpan(%d)=%d want %d", tt.n, got, tt.want)
		}
	}
}

func TestProtString(t *testing.T) {
	tests := map[Prot]string{
		ProtNone:      "none",
		ProtRead:      "r",
		ProtWrite:     "w",
		ProtReadWrite: "rw",
		Prot(8):       "invalid",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Prot(%d).String()=%q want %q", p, got, want)
		}
	}
}
