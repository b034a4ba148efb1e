package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"speechworker/internal/bootstrap"
	"speechworker/internal/config"
	"speechworker/internal/metrics"
	"speechworker/internal/worker"
)

type buildFunc func(ctx context.Context, cfg config.Config, opts bootstrap.Options) (bootstrap.Services, error)

// App is the worker process root. It owns the assembled services, the
// optional metrics listener and the command loop.
type App struct {
	cfg     config.Config
	stdin   io.Reader
	stdout  io.Writer
	logger  *log.Logger
	metrics *metrics.Metrics
	build   buildFunc
}

func NewApp(cfg config.Config, stdin io.Reader, stdout io.Writer, logger *log.Logger) *App {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &App{
		cfg:     cfg,
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger,
		metrics: metrics.New(),
		build:   bootstrap.Build,
	}
}

// Run blocks until the host closes stdin or ctx is cancelled. Either way the
// active session is stopped without a stopped event. Startup failures are
// returned before ready is emitted.
func (a *App) Run(ctx context.Context) error {
	services, err := a.build(ctx, a.cfg, bootstrap.Options{
		Output:  a.stdout,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := services.Close(); err != nil {
			a.logger.Warn("closing engine client", "err", err)
		}
	}()

	a.logger.Info("worker starting",
		"engine", a.cfg.Engine,
		"audio_source", a.cfg.AudioSource,
		"language", a.cfg.Language,
		"model", a.cfg.Model,
	)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, addr, a.logger.WithPrefix("metrics")); err != nil {
				a.logger.Error("metrics listener failed", "addr", addr, "err", err)
			}
		}()
	}

	loop := worker.NewLoop(services.Controller, services.Emitter, a.metrics, a.logger.WithPrefix("loop"))
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, a.stdin) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// stdin reads cannot be interrupted; the loop goroutine ends with the process
		a.logger.Info("shutting down", "cause", context.Cause(ctx))
		services.Controller.Close()
		return nil
	}
}
