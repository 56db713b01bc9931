package hal

import (
	"context"
	"sync"
	"time"
)

type hostTime struct {
	ch      chan uint64
	quantum time.Duration

	mu      sync.Mutex
	seq     uint64
	running bool
}

func newHostTime(quantum time.Duration) *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), quantum: quantum}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// Quantum returns the tick period.
func (t *hostTime) Quantum() time.Duration { return t.quantum }

// start runs the quantum timer until ctx is done. Starting twice is a no-op.
func (t *hostTime) start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go func() {
		tk := time.NewTicker(t.quantum)
		defer tk.Stop()
		defer func() {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				t.stepN(1)
			}
		}
	}()
}

func (t *hostTime) stepN(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}

// StartTimer starts the quantum timer of a HAL created by New.
func StartTimer(ctx context.Context, h HAL) bool {
	ht, ok := h.Time().(*hostTime)
	if !ok {
		return false
	}
	ht.start(ctx)
	return true
}
