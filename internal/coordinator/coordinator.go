// Package coordinator is the control surface of the engine. It accepts
// trigger events for pipeline definitions, creates runs, drives each run
// with its own scheduler and answers status and cancel requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/events"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

var (
	// ErrNotTriggered is returned by Submit when the event does not pass the
	// pipeline's trigger filter. No run is created.
	ErrNotTriggered = errors.New("event does not match the pipeline trigger")
	// ErrNotActive is returned by Cancel for a run this coordinator is not
	// driving.
	ErrNotActive = errors.New("run is not active")
	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

// JobRunner executes jobs and reports the runs_on labels it serves.
type JobRunner interface {
	scheduler.JobRunner
	Labels() []string
}

// Options configures a Coordinator.
type Options struct {
	Store     store.RunStore
	Registry  *registry.Registry
	Runner    JobRunner
	Workers   int
	Publisher events.Publisher
}

// Coordinator owns every run it started.
type Coordinator struct {
	store     store.RunStore
	registry  *registry.Registry
	runner    JobRunner
	workers   int
	publisher events.Publisher

	mu     sync.Mutex
	active map[int64]*handle
	closed bool
	// wg counts runs; Add only happens under mu while closed is false.
	wg sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	status execution.Status
	err    error
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		store:     opts.Store,
		registry:  opts.Registry,
		runner:    opts.Runner,
		workers:   opts.Workers,
		publisher: opts.Publisher,
		active:    make(map[int64]*handle),
	}
}

// Validate builds p without creating a run.
func (c *Coordinator) Validate(ctx context.Context, p *config.Pipeline) (*builder.Definition, error) {
	return builder.Build(ctx, p, builder.Options{Registry: c.registry, Labels: c.runner.Labels()})
}

// Submit validates p, creates a run for event and starts it in the
// background. A *builder.DefinitionError or ErrNotTriggered means no run
// was created.
func (c *Coordinator) Submit(ctx context.Context, p *config.Pipeline, event trigger.Event) (int64, error) {
	logger := ctxlog.FromContext(ctx)

	def, err := c.Validate(ctx, p)
	if err != nil {
		return 0, err
	}
	if !def.On.Matches(event) {
		logger.Info("Event does not match trigger filter, no run created.", "pipeline", def.Name, "ref", event.Ref)
		return 0, ErrNotTriggered
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrShuttingDown
	}
	c.wg.Add(1)
	c.mu.Unlock()

	run, err := c.store.CreateRun(ctx, def.Name, event, def.JobNames())
	if err != nil {
		c.wg.Done()
		return 0, fmt.Errorf("creating run: %w", err)
	}

	// The run outlives the submitting request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.active[run.ID] = h
	if c.closed {
		// Shutdown began while the run was being created; it still runs
		// to a terminal state, canceled.
		cancel()
	}
	c.mu.Unlock()

	sched := scheduler.New(def, run, c.store, c.runner, scheduler.Options{Workers: c.workers, Publisher: c.publisher})
	go func() {
		defer c.wg.Done()
		defer cancel()
		status, err := sched.Run(runCtx)
		if err != nil {
			ctxlog.FromContext(runCtx).Error("Run ended with a ledger error.", "run_id", run.ID, "error", err)
		}
		c.mu.Lock()
		h.status, h.err = status, err
		delete(c.active, run.ID)
		c.mu.Unlock()
		close(h.done)
	}()

	logger.Info("Run submitted.", "run_id", run.ID, "pipeline", def.Name)
	return run.ID, nil
}

// Status returns a snapshot of the run with its per-job detail.
func (c *Coordinator) Status(ctx context.Context, runID int64) (*execution.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// Cancel stops a run: jobs that have not started are skipped and running
// jobs observe the cancellation.
func (c *Coordinator) Cancel(ctx context.Context, runID int64) error {
	c.mu.Lock()
	h, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		ctxlog.FromContext(ctx).Info("Canceling run.", "run_id", runID)
		h.cancel()
		return nil
	}
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrNotActive
}

// Wait blocks until the run is terminal and returns its status.
func (c *Coordinator) Wait(ctx context.Context, runID int64) (execution.Status, error) {
	c.mu.Lock()
	h, ok := c.active[runID]
	c.mu.Unlock()
	if ok {
		select {
		case <-h.done:
			return h.status, h.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !run.Status.Terminal() {
		return run.Status, ErrNotActive
	}
	return run.Status, nil
}

// Shutdown rejects new submissions, cancels every active run and waits for
// them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, h := range c.active {
		h.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
