package tls

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"uthreads/hal"
	"uthreads/sparkos/kernel"
)

func newTestManager(t *testing.T, opts Options) (*kernel.Kernel, *Manager) {
	t.Helper()
	k, err := kernel.New(kernel.Config{})
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	m, err := NewManager(k, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return k, m
}

func join(t *testing.T, k *kernel.Kernel, id kernel.ThreadID) any {
	t.Helper()
	v, err := k.Join(id)
	if err != nil {
		t.Fatalf("Join(%d) error = %v", id, err)
	}
	return v
}

func TestNewManagerOnePerKernel(t *testing.T) {
	k, _ := newTestManager(t, Options{})
	if _, err := NewManager(k, Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second NewManager() error = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewManager(nil, Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewManager(nil) error = %v, want ErrInvalidArgument", err)
	}
}

func TestCreate(t *testing.T) {
	_, m := newTestManager(t, Options{})

	if err := m.Create(0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create(0) error = %v, want ErrInvalidArgument", err)
	}
	if err := m.Create(16); err != nil {
		t.Fatalf("Create(16) error = %v", err)
	}
	if err := m.Create(16); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Create() error = %v, want ErrAlreadyBound", err)
	}
	if size, ok := m.Bound(0); !ok || size != 16 {
		t.Fatalf("Bound(0) = %d, %v, want 16, true", size, ok)
	}
	if refs := m.Refs(0); refs != 1 {
		t.Fatalf("Refs(0) = %d, want 1", refs)
	}

	st := m.Stats()
	if st.Regions != 1 || st.Bindings != 1 || st.Lineages != 1 {
		t.Fatalf("Stats() = %+v, want 1 region, binding and lineage", st)
	}
}

func TestUnboundOperationsFail(t *testing.T) {
	_, m := newTestManager(t, Options{})

	buf := make([]byte, 4)
	if err := m.Write(0, 4, buf); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Write() error = %v, want ErrNotBound", err)
	}
	if err := m.Read(0, 4, buf); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Read() error = %v, want ErrNotBound", err)
	}
	if err := m.Destroy(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Destroy() error = %v, want ErrNotBound", err)
	}
	if err := m.Clone(0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Clone(unbound) error = %v, want ErrNotBound", err)
	}
	if _, err := m.Raw(0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Raw() error = %v, want ErrNotBound", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	_, m := newTestManager(t, Options{})

	page := hal.HostMemory().PageSize()
	size := 3*page + 100
	if err := m.Create(size); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cases := []struct {
		name string
		off  int
		n    int
	}{
		{name: "empty", off: 5, n: 0},
		{name: "head", off: 0, n: 16},
		{name: "within page", off: 100, n: 200},
		{name: "page boundary", off: page - 7, n: 14},
		{name: "multi page", off: page / 2, n: 2 * page},
		{name: "tail", off: size - 9, n: 9},
		{name: "whole", off: 0, n: size},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]byte, tc.n)
			for j := range in {
				in[j] = byte(i*31 + j)
			}
			if err := m.Write(tc.off, tc.n, in); err != nil {
				t.Fatalf("Write(%d, %d) error = %v", tc.off, tc.n, err)
			}
			out := make([]byte, tc.n)
			if err := m.Read(tc.off, tc.n, out); err != nil {
				t.Fatalf("Read(%d, %d) error = %v", tc.off, tc.n, err)
			}
			if !bytes.Equal(in, out) {
				t.Fatalf("Read(%d, %d) = %v, want %v", tc.off, tc.n, out, in)
			}
		})
	}
}

func TestOutOfRangeAccessFailsWithoutPartialCopy(t *testing.T) {
	_, m := newTestManager(t, Options{})

	if err := m.Create(16); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	junk := bytes.Repeat([]byte{'j'}, 32)
	for _, tc := range []struct{ off, n int }{{10, 7}, {0, 17}, {16, 1}, {-1, 2}, {2, -1}} {
		if err := m.Write(tc.off, tc.n, junk); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Write(%d, %d) error = %v, want ErrInvalidArgument", tc.off, tc.n, err)
		}
		if err := m.Read(tc.off, tc.n, junk); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Read(%d, %d) error = %v, want ErrInvalidArgument", tc.off, tc.n, err)
		}
	}
	if err := m.Write(0, 8, make([]byte, 4)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Write() with short buffer error = %v, want ErrInvalidArgument", err)
	}

	out := make([]byte, 16)
	if err := m.Read(0, 16, out); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(out, make([]byte, 16)) {
		t.Fatalf("region = %q after rejected writes, want zeros", out)
	}
	if st := m.Stats(); st.BytesWritten != 0 || st.BytesRead != 16 {
		t.Fatalf("Stats() = %+v, want 0 bytes written and 16 read", st)
	}
}

func TestCloneScenario(t *testing.T) {
	k, m := newTestManager(t, Options{})

	if err := m.Create(16); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Write(0, 16, []byte("HELLOWORLD!!!!!!")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	owner := k.Self()
	b, err := k.Create(func(*kernel.Context, any) any {
		if err := m.Clone(owner); err != nil {
			return err
		}
		if err := m.Clone(owner); !errors.Is(err, ErrAlreadyBound) {
			t.Errorf("second Clone() error = %v, want ErrAlreadyBound", err)
		}
		if err := m.Write(0, 5, []byte("XXXXX")); err != nil {
			return err
		}
		out := make([]byte, 16)
		if err := m.Read(0, 16, out); err != nil {
			return err
		}
		return string(out)
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	v := join(t, k, b)
	if v != "XXXXXWORLD!!!!!!" {
		t.Fatalf("clone read %v, want XXXXXWORLD!!!!!!", v)
	}

	out := make([]byte, 5)
	if err := m.Read(0, 5, out); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(out) != "HELLO" {
		t.Fatalf("original read %q, want HELLO", out)
	}
	if refs := m.Refs(owner); refs != 2 {
		t.Fatalf("Refs() = %d, want 2", refs)
	}
	if refs := m.Refs(b); refs != 2 {
		t.Fatalf("Refs(clone) = %d, want 2", refs)
	}
	if st := m.Stats(); st.Clones != 1 || st.Regions != 2 || st.Lineages != 1 {
		t.Fatalf("Stats() = %+v, want 1 clone, 2 regions, 1 lineage", st)
	}
}

func TestCloneCopiesEveryPage(t *testing.T) {
	k, m := newTestManager(t, Options{})

	page := hal.HostMemory().PageSize()
	size := 2*page + 10
	if err := m.Create(size); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	if err := m.Write(0, size, pattern); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	b, err := k.Create(func(*kernel.Context, any) any {
		if err := m.Clone(0); err != nil {
			return err
		}
		got := make([]byte, size)
		if err := m.Read(0, size, got); err != nil {
			return err
		}
		if !bytes.Equal(got, pattern) {
			t.Errorf("cloned bytes differ from source")
		}
		if err := m.Write(0, size, bytes.Repeat([]byte{0xff}, size)); err != nil {
			return err
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v := join(t, k, b); v != nil {
		t.Fatalf("clone thread returned %v", v)
	}

	got := make([]byte, size)
	if err := m.Read(0, size, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatal("writes to the clone changed the source region")
	}
}

func TestLineageReleasedWithLastBinding(t *testing.T) {
	k, m := newTestManager(t, Options{})

	if err := m.Create(32); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Write(0, 4, []byte("keep")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	b, err := k.Create(func(ctx *kernel.Context, _ any) any {
		if err := m.Clone(0); err != nil {
			return err
		}
		ctx.Yield()

		// The source binding is gone but the lineage still holds storage.
		out := make([]byte, 4)
		if err := m.Read(0, 4, out); err != nil {
			return err
		}
		if string(out) != "keep" {
			t.Errorf("clone read %q after source destroy, want keep", out)
		}
		if refs := m.Refs(ctx.ThreadID()); refs != 1 {
			t.Errorf("Refs() = %d, want 1", refs)
		}
		return m.Destroy()
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	k.Yield()
	if refs := m.Refs(0); refs != 2 {
		t.Fatalf("Refs() after clone = %d, want 2", refs)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, ok := m.Bound(0); ok {
		t.Fatal("Bound(0) = true after Destroy")
	}
	if st := m.Stats(); st.Regions != 2 || st.Bindings != 1 || st.Lineages != 1 {
		t.Fatalf("Stats() after first destroy = %+v, want 2 regions, 1 binding, 1 lineage", st)
	}

	if v := join(t, k, b); v != nil {
		t.Fatalf("clone thread returned %v", v)
	}
	if st := m.Stats(); st.Regions != 0 || st.Bindings != 0 || st.Lineages != 0 {
		t.Fatalf("Stats() after last destroy = %+v, want empty", st)
	}

	// The thread is unbound again and may create a fresh region.
	if err := m.Create(8); err != nil {
		t.Fatalf("Create() after Destroy error = %v", err)
	}
}

func TestReleaseOnExit(t *testing.T) {
	k, m := newTestManager(t, Options{ReleaseOnExit: true})

	b, err := k.Create(func(*kernel.Context, any) any {
		return m.Create(64)
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v := join(t, k, b); v != nil {
		t.Fatalf("thread returned %v", v)
	}
	if _, ok := m.Bound(b); ok {
		t.Fatal("exited thread still bound")
	}
	if st := m.Stats(); st.Regions != 0 || st.Lineages != 0 {
		t.Fatalf("Stats() = %+v, want no regions", st)
	}
}

type failingMemory struct{}

func (failingMemory) PageSize() int { return 4096 }

func (failingMemory) Map(int, hal.Prot) (*hal.Mapping, error) {
	return nil, errors.New("out of pages")
}

func TestCreateAllocationFailure(t *testing.T) {
	_, m := newTestManager(t, Options{Memory: failingMemory{}})

	if err := m.Create(16); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("Create() error = %v, want ErrAllocationFailure", err)
	}
	if _, ok := m.Bound(0); ok {
		t.Fatal("Bound(0) = true after failed Create")
	}
}

func TestDeferredDestroyUnbindsExitingThread(t *testing.T) {
	k, m := newTestManager(t, Options{})
	if err := m.Create(16); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	b, err := k.Create(func(ctx *kernel.Context, _ any) any {
		if err := m.Create(16); err != nil {
			return err
		}
		defer m.Destroy()
		ctx.Exit("done")
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v := join(t, k, b); v != "done" {
		t.Fatalf("thread returned %v, want done", v)
	}
	if _, ok := m.Bound(b); ok {
		t.Fatal("exiting thread still bound after deferred Destroy")
	}
	if _, ok := m.Bound(k.Self()); !ok {
		t.Fatal("deferred Destroy unbound the joining thread")
	}
}

func TestRecycledSlotStartsUnbound(t *testing.T) {
	k, err := kernel.New(kernel.Config{Capacity: 2, ReuseSlots: true})
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	m, err := NewManager(k, Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	first, err := k.Create(func(*kernel.Context, any) any {
		if err := m.Create(16); err != nil {
			return err
		}
		return m.Write(0, 6, []byte("secret"))
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v := join(t, k, first); v != nil {
		t.Fatalf("first thread returned %v", v)
	}

	second, err := k.Create(func(*kernel.Context, any) any {
		out := make([]byte, 6)
		if err := m.Read(0, 6, out); !errors.Is(err, ErrNotBound) {
			return errors.New("recycled thread inherited a region: " + string(out))
		}
		return m.Create(16)
	}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if second != first {
		t.Fatalf("Create() = %d, want recycled slot %d", second, first)
	}
	if v := join(t, k, second); v != nil {
		t.Fatalf("recycled thread returned %v", v)
	}
	if st := m.Stats(); st.Regions != 1 || st.Lineages != 1 || st.Bindings != 1 {
		t.Fatalf("Stats() = %+v, want only the new region", st)
	}
}

func TestUnboundMappingReleaseFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	l := log.Logger{Level: log.WarnLevel, Writer: &log.IOWriter{Writer: &buf}}
	_, m := newTestManager(t, Options{Logger: &l})

	mp, err := hal.HostMemory().Map(16, hal.ProtNone)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if err := mp.Unmap(); err != nil {
		t.Fatalf("Unmap() error = %v", err)
	}

	m.mu.Lock()
	m.unmapLocked(mp, 3)
	m.mu.Unlock()
	if !strings.Contains(buf.String(), "clone mapping release failed") {
		t.Fatalf("log = %q, want release failure warning", buf.String())
	}
}
