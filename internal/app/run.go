package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/coordinator"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/trigger"
)

// Validate loads and builds the definition at path without running it.
func (a *App) Validate(ctx context.Context, path string) (*builder.Definition, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	p, err := a.LoadPipeline(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.coordinator.Validate(ctx, p)
}

// Run executes the pipeline at path for event and blocks until the run is
// terminal. Canceling ctx cancels the run; the final snapshot is still
// returned.
func (a *App) Run(ctx context.Context, path string, event trigger.Event) (*execution.Run, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "path", path)

	p, err := a.LoadPipeline(ctx, path)
	if err != nil {
		return nil, err
	}

	a.logger.Info("🚀 Starting run...", "pipeline", p.Name, "ref", event.Ref)
	id, err := a.coordinator.Submit(ctx, p, event)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	status, err := a.coordinator.Wait(ctx, id)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("Interrupted, canceling run.", "run_id", id)
		if cerr := a.coordinator.Cancel(bg, id); cerr != nil && !errors.Is(cerr, coordinator.ErrNotActive) {
			return nil, cerr
		}
		status, err = a.coordinator.Wait(bg, id)
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for run %d: %w", id, err)
	}

	run, err := a.coordinator.Status(bg, id)
	if err != nil {
		return nil, err
	}
	a.logger.Info("🏁 Run finished.", "run_id", id, "status", status)
	return run, nil
}

// Status returns the persisted snapshot of a run.
func (a *App) Status(ctx context.Context, id int64) (*execution.Run, error) {
	return a.coordinator.Status(ctx, id)
}
