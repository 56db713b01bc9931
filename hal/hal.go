package hal

import "errors"

var (
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnmapped is returned for operations on a released mapping.
	ErrUnmapped = errors.New("mapping released")
)

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Time provides the preemption timer.
//
// Each value received is a monotonically increasing tick sequence number.
// One tick is one scheduling quantum.
type Time interface {
	Ticks() <-chan uint64
}

// Prot is a page access permission set.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1

	ProtReadWrite = ProtRead | ProtWrite
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtWrite:
		return "w"
	case ProtReadWrite:
		return "rw"
	default:
		return "invalid"
	}
}

// Memory hands out page-granular anonymous mappings.
type Memory interface {
	PageSize() int
	Map(size int, prot Prot) (*Mapping, error)
}

// HAL provides the only contact point between the runtime and the host.
type HAL interface {
	Display() Display
	Time() Time
	Memory() Memory
}
