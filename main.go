package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"uthreads/app"
	"uthreads/hal"
	"uthreads/internal/buildinfo"
	"uthreads/internal/config"
	"uthreads/internal/logger"
)

func main() {
	cfg, flags, err := config.NewConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg == nil {
		if flags != nil && flags.Version {
			fmt.Println(buildinfo.String())
		}
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	l := logger.NewLoggerWithContext("main")
	l.Info().Str("version", buildinfo.Short()).Str("workload", cfg.Demo.Workload).Msg("uthreads starting")

	if err := run(cfg, l); err != nil {
		l.Error().Err(err).Msg("uthreads failed")
		os.Exit(1)
	}
	l.Info().Msg("uthreads stopped")
}

func run(cfg *config.AppConfig, l *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Enabled {
		srv := newMetricsServer(cfg.Server)
		go func() {
			l.Info().Str("address", cfg.Server.ListenAddress).Str("path", cfg.Server.MetricsPath).Msg("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error().Err(err).Msg("HTTP server failed")
				stop()
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				l.Error().Err(err).Msg("Error shutting down HTTP server")
			}
		}()
	}

	appCfg := app.FromAppConfig(cfg)
	appCfg.Registerer = prometheus.DefaultRegisterer
	newApp := func(h hal.HAL) func() error {
		return app.NewWithConfig(h, appCfg)
	}
	host := hal.HostConfig{
		Quantum:  cfg.Scheduler.Quantum(),
		FBWidth:  cfg.Monitor.Width,
		FBHeight: cfg.Monitor.Height,
	}

	var err error
	if cfg.Monitor.Headless {
		err = hal.RunHeadless(ctx, newApp, hal.HeadlessConfig{
			Enabled: true,
			Hz:      cfg.Monitor.FrameHz,
			Frames:  uint64(cfg.Monitor.MaxFrames),
			Host:    host,
		})
	} else {
		err = hal.RunWindow(newApp, host)
	}
	if errors.Is(err, app.ErrFinished) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMetricsServer(cfg config.ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>uthreads</title></head>
            <body>
            <h1>uthreads ` + buildinfo.Short() + `</h1>
            <p><a href="` + cfg.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})
	return &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}
}
