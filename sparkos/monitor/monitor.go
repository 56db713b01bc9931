// Package monitor draws the scheduler state onto a framebuffer: counters in
// a header, one cell per thread slot and a log of thread lifecycle events.
package monitor

import (
	"fmt"
	"image/color"
	"io"
	"strings"

	"github.com/phuslu/log"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"

	"uthreads/hal"
	"uthreads/sparkos/kernel"
	"uthreads/sparkos/tls"
)

var (
	colorBG       = color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
	colorFG       = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	colorHeaderBG = color.RGBA{R: 0x18, G: 0x18, B: 0x18, A: 0xff}

	colorReady   = color.RGBA{R: 0x2a, G: 0x6f, B: 0xdb, A: 0xff}
	colorRunning = color.RGBA{R: 0x4a, G: 0xdf, B: 0x6a, A: 0xff}
	colorJoining = color.RGBA{R: 0xff, G: 0xdd, B: 0x66, A: 0xff}
	colorExited  = color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}
)

const (
	lineHeight = 11
	fontOffset = 8

	margin  = 4
	cellW   = 14
	cellH   = 10
	cellGap = 2

	defaultMaxEvents = 64
)

// Options configures a Monitor.
type Options struct {
	// MaxEvents bounds the event history. Defaults to 64.
	MaxEvents int
	Logger    *log.Logger
}

// Monitor renders kernel and TLS snapshots. It is not safe for concurrent use.
type Monitor struct {
	fb  hal.Framebuffer
	d   *fbDisplay
	log log.Logger

	font      *tinyfont.Font
	fontWidth int16

	prev       []kernel.Status
	prevFaults uint64
	prevClones uint64
	events     []string
	maxEvents  int
}

// New creates a monitor drawing to fb.
func New(fb hal.Framebuffer, opts Options) *Monitor {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}
	m := &Monitor{
		fb:        fb,
		d:         newFBDisplay(fb),
		font:      &proggy.TinySZ8pt7b,
		maxEvents: opts.MaxEvents,
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
	}
	_, outbox := tinyfont.LineWidth(m.font, "0")
	m.fontWidth = int16(outbox)
	if m.fontWidth <= 0 {
		m.fontWidth = 6
	}
	return m
}

// Note appends a free-form line to the event log.
func (m *Monitor) Note(format string, args ...any) {
	m.push(fmt.Sprintf(format, args...))
}

func (m *Monitor) push(line string) {
	m.events = append(m.events, line)
	if over := len(m.events) - m.maxEvents; over > 0 {
		m.events = append(m.events[:0], m.events[over:]...)
	}
	m.log.Debug().Str("event", line).Msg("monitor")
}

// Events returns the event history, oldest first.
func (m *Monitor) Events() []string {
	return append([]string(nil), m.events...)
}

// Observe turns the difference between ks and the previous snapshot into
// events. ts may be nil.
func (m *Monitor) Observe(ks kernel.Stats, ts *tls.Stats) {
	for i, t := range ks.Threads {
		var was kernel.Status
		if i < len(m.prev) {
			was = m.prev[i]
		}
		switch {
		case i >= len(m.prev):
			m.push(fmt.Sprintf("t%d created", t.ID))
		case was == kernel.StatusExited && t.Status != kernel.StatusExited:
			m.push(fmt.Sprintf("t%d created in reused slot", t.ID))
		}
		if t.Status == kernel.StatusExited && was != kernel.StatusExited {
			m.push(fmt.Sprintf("t%d exited", t.ID))
		}
	}
	m.prev = m.prev[:0]
	for _, t := range ks.Threads {
		m.prev = append(m.prev, t.Status)
	}

	if ks.Faults > m.prevFaults {
		m.push(fmt.Sprintf("fault: %d thread(s) terminated", ks.Faults-m.prevFaults))
		m.prevFaults = ks.Faults
	}
	if ts != nil && ts.Clones > m.prevClones {
		m.push(fmt.Sprintf("tls: %d region(s) cloned", ts.Clones-m.prevClones))
		m.prevClones = ts.Clones
	}
}

// Frame observes the snapshots and renders them.
func (m *Monitor) Frame(ks kernel.Stats, ts *tls.Stats) error {
	m.Observe(ks, ts)
	return m.Render(ks, ts)
}

// Render draws the snapshots and presents the framebuffer.
func (m *Monitor) Render(ks kernel.Stats, ts *tls.Stats) error {
	if m.fb == nil {
		return nil
	}
	w, h := m.d.Size()
	_ = m.d.FillRectangle(0, 0, w, h, colorBG)

	header := []string{
		fmt.Sprintf("tick %d  sw %d  pre %d", ks.Ticks, ks.Switches, ks.Preemptions),
		fmt.Sprintf("threads %d/%d  run t%d  exited %d", ks.Used, ks.Capacity, ks.Current, ks.Count(kernel.StatusExited)),
	}
	if ts != nil {
		header = append(header, fmt.Sprintf("tls regions %d  bound %d  faults %d", ts.Regions, ts.Bindings, ts.Faults))
	}
	headerH := int16(len(header)*lineHeight + margin)
	_ = m.d.FillRectangle(0, 0, w, headerH, colorHeaderBG)
	for i, line := range header {
		m.text(margin, int16(i*lineHeight)+fontOffset+margin/2, colorFG, line)
	}

	gridTop := headerH + margin
	var gridBottom int16 = gridTop
	for i, t := range ks.Threads {
		x, y, cw, ch := m.cellRect(gridTop, i)
		if y+ch > h {
			break
		}
		_ = m.d.FillRectangle(x, y, cw, ch, cellColor(t))
		gridBottom = y + ch
	}

	paneTop := gridBottom + margin
	if paneTop+lineHeight <= h {
		m.renderEvents(paneTop, h-paneTop)
	}
	return m.d.Display()
}

// cellRect returns the rectangle of thread slot i.
func (m *Monitor) cellRect(gridTop int16, i int) (x, y, w, h int16) {
	width, _ := m.d.Size()
	cols := int((width - 2*margin + cellGap) / (cellW + cellGap))
	if cols < 1 {
		cols = 1
	}
	col, row := i%cols, i/cols
	x = margin + int16(col)*(cellW+cellGap)
	y = gridTop + int16(row)*(cellH+cellGap)
	return x, y, cellW, cellH
}

func cellColor(t kernel.ThreadInfo) color.RGBA {
	switch t.Status {
	case kernel.StatusRunning:
		return colorRunning
	case kernel.StatusExited:
		return colorExited
	case kernel.StatusReady:
		if t.Joining {
			return colorJoining
		}
		return colorReady
	default:
		return colorBG
	}
}

// renderEvents draws the newest events that fit into a terminal confined
// to the band [top, top+height). The band is redrawn from scratch so the
// terminal never has to scroll.
func (m *Monitor) renderEvents(top, height int16) {
	w, _ := m.d.Size()
	pane := paneDisplay{base: m.d, top: top, height: height}
	_ = pane.FillRectangle(0, 0, w, height, colorBG)

	rows := int(height/lineHeight) - 1
	cols := int(w / m.fontWidth)
	if rows <= 0 || cols <= 0 || len(m.events) == 0 {
		return
	}
	lines := m.events
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}

	term := tinyterm.NewTerminal(pane)
	term.Configure(&tinyterm.Config{
		Font:       m.font,
		FontHeight: lineHeight,
		FontOffset: fontOffset,
	})
	for i, line := range lines {
		if i > 0 {
			_, _ = term.Write([]byte("\r\n"))
		}
		_, _ = term.Write([]byte(fitText(line, cols-1)))
	}
	term.Display()
}

func (m *Monitor) text(x, y int16, c color.RGBA, s string) {
	w, _ := m.d.Size()
	tinyfont.WriteLine(m.d, m.font, x, y, fitText(s, int((w-x)/m.fontWidth)), c)
}

func fitText(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= max {
		return s
	}
	return s[:max]
}
