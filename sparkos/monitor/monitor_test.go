package monitor

import (
	"bytes"
	"reflect"
	"testing"

	"uthreads/hal"
	"uthreads/sparkos/kernel"
	"uthreads/sparkos/tls"
)

func stats(states ...kernel.Status) kernel.Stats {
	st := kernel.Stats{Capacity: 16, Used: len(states)}
	for i, s := range states {
		st.Threads = append(st.Threads, kernel.ThreadInfo{ID: kernel.ThreadID(i), Status: s})
		if s == kernel.StatusRunning {
			st.Current = kernel.ThreadID(i)
		}
	}
	return st
}

func TestObserveEmitsLifecycleEvents(t *testing.T) {
	m := New(hal.NewFramebuffer(320, 320), Options{})

	m.Observe(stats(kernel.StatusRunning), nil)
	m.Observe(stats(kernel.StatusReady, kernel.StatusRunning, kernel.StatusReady), nil)
	m.Observe(stats(kernel.StatusRunning, kernel.StatusExited, kernel.StatusExited), nil)
	m.Observe(stats(kernel.StatusRunning, kernel.StatusReady, kernel.StatusExited), nil)

	ks := stats(kernel.StatusRunning, kernel.StatusReady, kernel.StatusExited)
	ks.Faults = 2
	m.Observe(ks, &tls.Stats{Clones: 1})

	want := []string{
		"t0 created",
		"t1 created",
		"t2 created",
		"t1 exited",
		"t2 exited",
		"t1 created in reused slot",
		"fault: 2 thread(s) terminated",
		"tls: 1 region(s) cloned",
	}
	if got := m.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Events() = %q, want %q", got, want)
	}

	// Unchanged snapshots add nothing.
	m.Observe(ks, &tls.Stats{Clones: 1})
	if got := len(m.Events()); got != len(want) {
		t.Fatalf("len(Events()) = %d after identical snapshot, want %d", got, len(want))
	}
}

func TestEventHistoryIsBounded(t *testing.T) {
	m := New(hal.NewFramebuffer(64, 64), Options{MaxEvents: 3})
	for i := 0; i < 5; i++ {
		m.Note("event %d", i)
	}
	want := []string{"event 2", "event 3", "event 4"}
	if got := m.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Events() = %q, want %q", got, want)
	}
}

func pixelAt(fb hal.Framebuffer, x, y int16) uint16 {
	buf := fb.Buffer()
	off := int(y)*fb.StrideBytes() + int(x)*2
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}

func TestRenderPaintsThreadCells(t *testing.T) {
	fb := hal.NewFramebuffer(320, 320)
	m := New(fb, Options{})

	ks := stats(kernel.StatusReady, kernel.StatusRunning, kernel.StatusExited, kernel.StatusReady)
	ks.Threads[0].Joining = true
	ts := &tls.Stats{Regions: 1, Bindings: 1}
	if err := m.Frame(ks, ts); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	gridTop := int16(3*lineHeight+margin) + margin
	want := []struct {
		slot int
		c    uint16
	}{
		{0, hal.RGB565(colorJoining.R, colorJoining.G, colorJoining.B)},
		{1, hal.RGB565(colorRunning.R, colorRunning.G, colorRunning.B)},
		{2, hal.RGB565(colorExited.R, colorExited.G, colorExited.B)},
		{3, hal.RGB565(colorReady.R, colorReady.G, colorReady.B)},
	}
	for _, tc := range want {
		x, y, w, h := m.cellRect(gridTop, tc.slot)
		if got := pixelAt(fb, x+w/2, y+h/2); got != tc.c {
			t.Fatalf("slot %d pixel = %#04x, want %#04x", tc.slot, got, tc.c)
		}
	}

	if got, want := pixelAt(fb, 319, 0), hal.RGB565(colorHeaderBG.R, colorHeaderBG.G, colorHeaderBG.B); got != want {
		t.Fatalf("header pixel = %#04x, want %#04x", got, want)
	}
}

func TestRenderDrawsEventText(t *testing.T) {
	fb := hal.NewFramebuffer(320, 320)
	m := New(fb, Options{})

	ks := stats(kernel.StatusRunning)
	if err := m.Render(ks, nil); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	before := append([]byte(nil), fb.Buffer()...)

	m.Note("workload finished")
	if err := m.Render(ks, nil); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if bytes.Equal(before, fb.Buffer()) {
		t.Fatal("event text did not change the framebuffer")
	}
}

func TestPaneDisplayClipsToBand(t *testing.T) {
	fb := hal.NewFramebuffer(16, 16)
	d := newFBDisplay(fb)
	p := paneDisplay{base: d, top: 4, height: 4}

	white := colorFG
	_ = p.FillRectangle(0, -2, 16, 20, white)
	on := hal.RGB565(white.R, white.G, white.B)
	for y := int16(0); y < 16; y++ {
		got := pixelAt(fb, 3, y)
		inBand := y >= 4 && y < 8
		if inBand && got != on {
			t.Fatalf("row %d inside band not painted", y)
		}
		if !inBand && got != 0 {
			t.Fatalf("row %d outside band painted", y)
		}
	}

	run := colorRunning
	p.SetPixel(1, 2, run)
	p.SetPixel(1, 5, run)
	if pixelAt(fb, 1, 6) != hal.RGB565(run.R, run.G, run.B) {
		t.Fatal("SetPixel not offset into band")
	}
	if pixelAt(fb, 1, 9) != 0 {
		t.Fatal("SetPixel below the band was drawn")
	}
	if x, y := p.Size(); x != 16 || y != 4 {
		t.Fatalf("Size() = %d,%d, want 16,4", x, y)
	}
}
