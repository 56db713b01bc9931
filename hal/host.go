package hal

import "time"

const (
	// DefaultQuantum matches the preemption period of the reference thread library.
	DefaultQuantum = 50 * time.Millisecond

	defaultFBWidth  = 320
	defaultFBHeight = 320
)

// HostConfig configures the host HAL.
type HostConfig struct {
	Quantum  time.Duration
	FBWidth  int
	FBHeight int
}

type hostHAL struct {
	fb  *hostFramebuffer
	t   *hostTime
	mem Memory
}

// New returns a host HAL implementation.
//
// The quantum timer is idle until Start is called on the returned HAL's Time.
func New(cfg HostConfig) HAL {
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	if cfg.FBWidth <= 0 {
		cfg.FBWidth = defaultFBWidth
	}
	if cfg.FBHeight <= 0 {
		cfg.FBHeight = defaultFBHeight
	}
	return &hostHAL{
		fb:  newHostFramebuffer(cfg.FBWidth, cfg.FBHeight),
		t:   newHostTime(cfg.Quantum),
		mem: HostMemory(),
	}
}

func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Memory() Memory   { return h.mem }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }
