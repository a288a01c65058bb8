// Package app wires the application together: isolated logger, component
// registry, execution engine, worker supervisor, and the HTTP server (or a
// one-shot local run).
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/internal/ctxlog"
	"github.com/vk/flowgrid/internal/engine"
	"github.com/vk/flowgrid/internal/server"
	"github.com/vk/flowgrid/internal/supervisor"
	"github.com/vk/flowgrid/internal/workflow"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	registry *component.Registry
	engine   *engine.Engine
	sup      *supervisor.Supervisor
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and registry.
func NewApp(outW io.Writer, cfg *Config, modules ...component.Module) *App {
	logger := newLogger(cfg, outW)
	logger.Debug("Logger configured successfully.")

	reg := component.NewRegistry()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All component modules registered.", "count", len(modules))

	eng := engine.New(reg)
	sup := supervisor.New(supervisor.Config{
		PoolSize:            cfg.Workers,
		ExecTimeout:         time.Duration(cfg.ExecTimeoutSec) * time.Second,
		OptimizationTimeout: time.Duration(cfg.OptimizationTimeoutSec) * time.Second,
	}, eng, logger)

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		registry: reg,
		engine:   eng,
		sup:      sup,
	}
}

// Registry returns the application's component registry, primarily for tests.
func (a *App) Registry() *component.Registry { return a.registry }

// Supervisor returns the worker supervisor, primarily for tests.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Run starts the application in the mode the config selects: a one-shot
// local workflow run, or the HTTP server until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	if a.config.WorkflowPath != "" {
		return a.runOnce(ctx)
	}
	return a.serve(ctx)
}

// runOnce executes a workflow file locally, bypassing the pool, and prints
// the run result as JSON.
func (a *App) runOnce(ctx context.Context) error {
	wf, err := workflow.ParseFile(a.config.WorkflowPath)
	if err != nil {
		return err
	}
	inputs := map[string]any{}
	if a.config.InputsJSON != "" {
		if err := json.Unmarshal([]byte(a.config.InputsJSON), &inputs); err != nil {
			return fmt.Errorf("parsing inputs: %w", err)
		}
	}

	res, err := a.engine.Execute(ctx, wf, inputs, engine.Options{})
	if err != nil {
		return err
	}
	out := map[string]any{"output": res.Output, "cost": res.Cost, "executed": res.Executed}
	if report, err := a.engine.Evaluate(ctx, wf, res.Outputs); err == nil && len(report.Evaluations) > 0 {
		out["evaluation"] = report
	}
	enc := json.NewEncoder(a.outW)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// serve runs the HTTP server with graceful shutdown.
func (a *App) serve(ctx context.Context) error {
	srv := server.New(a.sup, a.logger)
	httpServer := &http.Server{
		Addr:    a.config.ListenAddr,
		Handler: srv.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting.", "address", a.config.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
