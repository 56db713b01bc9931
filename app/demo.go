package app

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"uthreads/hal"
	"uthreads/internal/config"
	"uthreads/sparkos/kernel"
	"uthreads/sparkos/tls"
)

var errIntruderSurvived = errors.New("intruder survived a foreign region access")

var faultSink byte

// runWorkload executes the configured demo on the calling thread.
func runWorkload(k *kernel.Kernel, m *tls.Manager, cfg config.DemoConfig, l *log.Logger) error {
	switch cfg.Workload {
	case "roundrobin":
		return runRoundRobin(k, cfg, l)
	case "tls":
		return runTLS(k, m, cfg, l)
	case "fault":
		return runFault(k, m, l)
	case "all":
		if err := runRoundRobin(k, cfg, l); err != nil {
			return err
		}
		if err := runTLS(k, m, cfg, l); err != nil {
			return err
		}
		return runFault(k, m, l)
	default:
		return fmt.Errorf("unknown workload %q", cfg.Workload)
	}
}

// spin burns CPU for d, offering the timer a safe point on every pass.
func spin(ctx *kernel.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		ctx.Preempt()
	}
}

// runRoundRobin starts workers that alternate busy work with yields and
// checks every exit value.
func runRoundRobin(k *kernel.Kernel, cfg config.DemoConfig, l *log.Logger) error {
	before := k.Snapshot()

	var order []kernel.ThreadID
	worker := func(ctx *kernel.Context, arg any) any {
		busy := arg.(time.Duration)
		sum := 0
		for r := 0; r < cfg.Rounds; r++ {
			order = append(order, ctx.ThreadID())
			spin(ctx, busy)
			sum += int(ctx.ThreadID())
			ctx.Yield()
		}
		return sum
	}

	ids := make([]kernel.ThreadID, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		id, err := k.Create(worker, cfg.Busy())
		if err != nil {
			return fmt.Errorf("create worker %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		v, err := k.Join(id)
		if err != nil {
			return fmt.Errorf("join worker %d: %w", id, err)
		}
		if want := int(id) * cfg.Rounds; v != want {
			return fmt.Errorf("worker %d returned %v, want %d", id, v, want)
		}
	}

	after := k.Snapshot()
	l.Info().
		Int("workers", len(ids)).
		Int("slices", len(order)).
		Uint64("switches", after.Switches-before.Switches).
		Uint64("preemptions", after.Preemptions-before.Preemptions).
		Msg("round robin done")
	return nil
}

// runTLS creates a region on one thread, clones it from another and
// checks that the two copies diverge while sharing one lineage.
func runTLS(k *kernel.Kernel, m *tls.Manager, cfg config.DemoConfig, l *log.Logger) error {
	owner, err := k.Create(func(ctx *kernel.Context, _ any) any {
		return tlsOwner(ctx, m, cfg.RegionSize, l)
	}, nil)
	if err != nil {
		return fmt.Errorf("create tls owner: %w", err)
	}
	v, err := k.Join(owner)
	if err != nil {
		return fmt.Errorf("join tls owner: %w", err)
	}
	if err, ok := v.(error); ok {
		return fmt.Errorf("tls demo: %w", err)
	}
	return nil
}

func tlsOwner(ctx *kernel.Context, m *tls.Manager, size int, l *log.Logger) error {
	if err := m.Create(size); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	greeting := []byte("HELLOWORLD!!!!!!")
	if err := m.Write(0, len(greeting), greeting); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	back := make([]byte, len(greeting))
	if err := m.Read(0, len(back), back); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(back, greeting) {
		return fmt.Errorf("read %q, want %q", back, greeting)
	}

	self := ctx.ThreadID()
	cloner, err := ctx.Kernel().Create(func(cctx *kernel.Context, _ any) any {
		if err := m.Clone(self); err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		if err := m.Write(0, 5, []byte("XXXXX")); err != nil {
			return fmt.Errorf("clone write: %w", err)
		}
		out := make([]byte, 5)
		if err := m.Read(0, 5, out); err != nil {
			return fmt.Errorf("clone read: %w", err)
		}
		if string(out) != "XXXXX" {
			return fmt.Errorf("clone read %q, want XXXXX", out)
		}
		l.Info().Int("thread", int(cctx.ThreadID())).Int("refs", m.Refs(cctx.ThreadID())).Str("data", string(out)).Msg("clone modified")
		return m.Destroy()
	}, nil)
	if err != nil {
		return fmt.Errorf("create cloner: %w", err)
	}
	v, err := ctx.Join(cloner)
	if err != nil {
		return fmt.Errorf("join cloner: %w", err)
	}
	if err, ok := v.(error); ok {
		return err
	}

	out := make([]byte, 5)
	if err := m.Read(0, 5, out); err != nil {
		return fmt.Errorf("read after clone: %w", err)
	}
	if string(out) != "HELLO" {
		return fmt.Errorf("original read %q after clone write, want HELLO", out)
	}
	l.Info().Int("thread", int(self)).Int("refs", m.Refs(self)).Str("data", string(out)).Msg("original intact")
	return m.Destroy()
}

// runFault binds the calling thread to a region and lets an intruder touch
// its raw bytes. The intruder must be terminated by the fault handler.
func runFault(k *kernel.Kernel, m *tls.Manager, l *log.Logger) error {
	if err := m.Create(64); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if err := m.Write(0, 6, []byte("secret")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	raw, err := m.Raw(k.Self())
	if err != nil {
		return err
	}

	before := k.Snapshot().Faults
	intruder, err := k.Create(func(*kernel.Context, any) any {
		if err := m.Create(16); err != nil {
			return err
		}
		faultSink = raw[0]
		return errIntruderSurvived
	}, nil)
	if err != nil {
		return fmt.Errorf("create intruder: %w", err)
	}
	v, err := k.Join(intruder)
	if err != nil {
		return fmt.Errorf("join intruder: %w", err)
	}

	switch {
	case v == nil:
		l.Info().Int("thread", int(intruder)).Uint64("faults", k.Snapshot().Faults-before).Msg("intruder terminated")
	case errors.Is(asError(v), errIntruderSurvived) && !hal.ProtectionEnforced():
		l.Warn().Msg("page protection is advisory on this platform, intruder not trapped")
	default:
		return fmt.Errorf("intruder returned %v", v)
	}
	return m.Destroy()
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}
