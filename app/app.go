package app

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"uthreads/hal"
	"uthreads/internal/config"
	"uthreads/internal/logger"
	"uthreads/sparkos/kernel"
	"uthreads/sparkos/metrics"
	"uthreads/sparkos/monitor"
	"uthreads/sparkos/tls"
)

// ErrFinished is returned by the step function once the workload is done.
var ErrFinished = errors.New("app: workload finished")

type Config struct {
	Scheduler config.SchedulerConfig
	TLS       config.TLSConfig
	Demo      config.DemoConfig

	// Linger keeps the step function returning nil after the workload ends.
	Linger bool

	// Registerer receives the scheduler collector when set.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the application defaults.
func DefaultConfig() Config {
	return FromAppConfig(config.DefaultConfig())
}

// FromAppConfig extracts the application settings from a loaded config.
func FromAppConfig(c *config.AppConfig) Config {
	return Config{
		Scheduler: c.Scheduler,
		TLS:       c.TLS,
		Demo:      c.Demo,
		Linger:    c.Monitor.Linger,
	}
}

type system struct {
	h   hal.HAL
	cfg Config
	log *log.Logger

	ready    chan struct{}
	done     chan struct{}
	startErr error
	runErr   error

	k    *kernel.Kernel
	tlsm *tls.Manager

	mon      *monitor.Monitor
	finished bool
}

// New starts the default workload and returns the per-frame step function.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, DefaultConfig())
}

// NewWithConfig starts the scheduler on a dedicated goroutine, which becomes
// its main thread and runs the configured workload. The returned step
// function renders the monitor and reports ErrFinished once the workload
// has completed.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	return newSystem(h, cfg).step
}

func newSystem(h hal.HAL, cfg Config) *system {
	s := &system{
		h:     h,
		cfg:   cfg,
		log:   logger.NewLoggerWithContext("app"),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	if d := h.Display(); d != nil {
		if fb := d.Framebuffer(); fb != nil {
			s.mon = monitor.New(fb, monitor.Options{Logger: logger.NewLoggerWithContext("monitor")})
			installPanicHandler(fb, s.log)
		}
	}

	go s.workload()
	return s
}

// workload runs as thread 0 of the kernel it creates. Thread 0 exits when
// the workload returns.
func (s *system) workload() {
	defer close(s.done)

	k, err := kernel.New(kernel.Config{
		Capacity:   s.cfg.Scheduler.Capacity,
		StackSize:  s.cfg.Scheduler.StackSize,
		ReuseSlots: s.cfg.Scheduler.ReuseSlots,
		Memory:     s.h.Memory(),
		Logger:     logger.NewLoggerWithContext("kernel"),
	})
	if err != nil {
		s.startErr = fmt.Errorf("start kernel: %w", err)
		close(s.ready)
		return
	}
	m, err := tls.NewManager(k, tls.Options{
		ReleaseOnExit: s.cfg.TLS.ReleaseOnExit,
		Memory:        s.h.Memory(),
		Logger:        logger.NewLoggerWithContext("tls"),
	})
	if err != nil {
		s.startErr = fmt.Errorf("start tls: %w", err)
		close(s.ready)
		return
	}
	if s.cfg.Registerer != nil {
		if err := s.cfg.Registerer.Register(metrics.NewCollector(k, m)); err != nil {
			s.startErr = fmt.Errorf("register collector: %w", err)
			close(s.ready)
			return
		}
	}

	s.k, s.tlsm = k, m
	close(s.ready)

	if ht := s.h.Time(); ht != nil {
		if ch := ht.Ticks(); ch != nil {
			go func() {
				for seq := range ch {
					k.TickTo(seq)
				}
			}()
		}
	}

	s.log.Info().Str("workload", s.cfg.Demo.Workload).Int("capacity", k.Capacity()).Msg("workload started")
	v, err := k.Run(func(*kernel.Context, any) any {
		return runWorkload(k, m, s.cfg.Demo, s.log)
	}, nil)
	if err != nil {
		s.runErr = err
		return
	}
	s.runErr = asError(v)
}

func (s *system) step() error {
	select {
	case <-s.ready:
	default:
		return nil
	}
	if s.startErr != nil {
		return s.startErr
	}

	ks := s.k.Snapshot()
	ts := s.tlsm.Stats()
	if s.mon != nil {
		if err := s.mon.Frame(ks, &ts); err != nil {
			return err
		}
	}

	select {
	case <-s.done:
	default:
		return nil
	}

	if !s.finished {
		s.finished = true
		if s.runErr != nil {
			s.log.Error().Err(s.runErr).Msg("workload failed")
			return s.runErr
		}
		s.log.Info().
			Uint64("switches", ks.Switches).
			Uint64("preemptions", ks.Preemptions).
			Uint64("threads", ks.Created).
			Uint64("faults", ks.Faults).
			Msg("workload finished")
		if s.mon != nil {
			s.mon.Note("workload finished")
			if err := s.mon.Render(ks, &ts); err != nil {
				return err
			}
		}
	}
	if s.cfg.Linger {
		return nil
	}
	return ErrFinished
}
