package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/events"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/store"
	"golang.org/x/sync/errgroup"
)

// JobRunner executes a single job. *runner.Runner implements it.
type JobRunner interface {
	Execute(ctx context.Context, job *builder.Job, req runner.Request) execution.Result
}

// Options tunes a Scheduler.
type Options struct {
	// Workers bounds how many jobs run at once. Zero means GOMAXPROCS.
	Workers   int
	Publisher events.Publisher
}

// Scheduler runs the jobs of one run.
type Scheduler struct {
	def       *builder.Definition
	run       *execution.Run
	ledger    store.RunStore
	runner    JobRunner
	workers   int
	publisher events.Publisher
	now       func() time.Time

	states  map[string]execution.State
	outputs map[string]map[string]string
	queue   []string
	active  int
}

type completion struct {
	job    string
	result execution.Result
}

// New creates a scheduler for run, which must have been created in ledger
// with one JobExecution per job of def.
func New(def *builder.Definition, run *execution.Run, ledger store.RunStore, r JobRunner, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Noop{}
	}
	return &Scheduler{
		def:       def,
		run:       run,
		ledger:    ledger,
		runner:    r,
		workers:   workers,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
		states:    make(map[string]execution.State, len(def.Jobs)),
		outputs:   make(map[string]map[string]string, len(def.Jobs)),
	}
}

// Run executes the run to completion and returns its terminal status. An
// error is returned only when the ledger itself fails.
func (s *Scheduler) Run(ctx context.Context) (execution.Status, error) {
	ctx, logger := ctxlog.With(ctx, "run_id", s.run.ID, "pipeline", s.def.Name)
	// Ledger writes must land even after the run is canceled.
	ledgerCtx := context.WithoutCancel(ctx)

	for _, j := range s.def.Jobs {
		s.states[j.Name] = execution.StatePending
	}
	if err := s.ledger.SetRunStatus(ledgerCtx, s.run.ID, execution.StatusRunning); err != nil {
		return execution.StatusFailed, fmt.Errorf("marking run running: %w", err)
	}
	started := events.New(events.RunStarted, s.run.ID)
	started.Pipeline = s.def.Name
	started.Status = execution.StatusRunning
	s.publisher.Publish(ctx, started)
	logger.Info("Run started.", "jobs", len(s.def.Jobs), "workers", s.workers)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.workers)
	done := make(chan completion, len(s.def.Jobs))

	err := s.loop(ctx, ledgerCtx, gctx, g, done)
	if err != nil {
		cancelRun()
	}
	_ = g.Wait()

	status := execution.StatusSucceeded
	for _, st := range s.states {
		if st != execution.StateSucceeded {
			status = execution.StatusFailed
			break
		}
	}
	if err != nil {
		status = execution.StatusFailed
	}
	if serr := s.ledger.SetRunStatus(ledgerCtx, s.run.ID, status); serr != nil && err == nil {
		err = fmt.Errorf("recording run status: %w", serr)
	}

	finished := events.New(events.RunFinished, s.run.ID)
	finished.Pipeline = s.def.Name
	finished.Status = status
	s.publisher.Publish(ctx, finished)
	logger.Info("Run finished.", "status", status)
	return status, err
}

func (s *Scheduler) loop(ctx, ledgerCtx, workCtx context.Context, g *errgroup.Group, done chan completion) error {
	logger := ctxlog.FromContext(ctx)

	for _, j := range s.def.Jobs {
		if len(j.Needs) == 0 {
			if err := s.markReady(ledgerCtx, j.Name); err != nil {
				return err
			}
		}
	}

	cancelCh := ctx.Done()
	for !s.allTerminal() {
		for ctx.Err() == nil && s.active < s.workers && len(s.queue) > 0 {
			name := s.queue[0]
			s.queue = s.queue[1:]
			if err := s.dispatch(ledgerCtx, workCtx, g, done, name); err != nil {
				return err
			}
		}

		if s.active == 0 && len(s.queue) == 0 {
			// Nothing running and nothing ready: whatever is left can never
			// become ready.
			logger.Error("Scheduler stalled with pending jobs.")
			return s.skipRemaining(ledgerCtx, execution.ExitDetail{Kind: execution.ExitInternal, Message: "job could not be scheduled"})
		}

		select {
		case c := <-done:
			// A cancellation observed by the job is handled before its
			// completion, so its dependents read as canceled.
			if cancelCh != nil && ctx.Err() != nil {
				cancelCh = nil
				if err := s.cancelPending(ledgerCtx); err != nil {
					return err
				}
			}
			s.active--
			if err := s.complete(ctx, ledgerCtx, c); err != nil {
				return err
			}
		case <-cancelCh:
			cancelCh = nil
			if err := s.cancelPending(ledgerCtx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) cancelPending(ctx context.Context) error {
	ctxlog.FromContext(ctx).Warn("Run canceled, skipping jobs that have not started.")
	s.queue = nil
	return s.skipRemaining(ctx, execution.ExitDetail{Kind: execution.ExitCanceled, Message: "run canceled"})
}

func (s *Scheduler) allTerminal() bool {
	for _, st := range s.states {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) transition(ctx context.Context, name string, to execution.State, update func(*execution.JobExecution)) error {
	je, err := s.ledger.TransitionJob(ctx, s.run.ID, name, to, update)
	if err != nil {
		return fmt.Errorf("job %q -> %s: %w", name, to, err)
	}
	s.states[name] = to

	e := events.New(events.JobState, s.run.ID)
	e.Pipeline = s.def.Name
	e.Job = name
	e.State = to
	if je.Exit.Kind != execution.ExitNone {
		exit := je.Exit
		e.Exit = &exit
	}
	s.publisher.Publish(ctx, e)
	ctxlog.FromContext(ctx).Debug("Job state recorded.", "job", name, "state", to)
	return nil
}

func (s *Scheduler) markReady(ctx context.Context, name string) error {
	if err := s.transition(ctx, name, execution.StateReady, nil); err != nil {
		return err
	}
	s.queue = append(s.queue, name)
	return nil
}

func (s *Scheduler) dispatch(ledgerCtx, workCtx context.Context, g *errgroup.Group, done chan<- completion, name string) error {
	job, _ := s.def.Job(name)
	startedAt := s.now()
	if err := s.transition(ledgerCtx, name, execution.StateRunning, func(je *execution.JobExecution) {
		je.StartedAt = startedAt
	}); err != nil {
		return err
	}

	req := runner.Request{
		RunID:       s.run.ID,
		Pipeline:    s.def.Name,
		Trigger:     s.run.Trigger,
		Permissions: s.def.Permissions,
		Needs:       make(map[string]map[string]string, len(job.Needs)),
	}
	for _, n := range job.Needs {
		req.Needs[n] = s.outputs[n]
	}

	s.active++
	g.Go(func() error {
		done <- completion{job: name, result: s.runner.Execute(workCtx, job, req)}
		return nil
	})
	return nil
}

func (s *Scheduler) complete(ctx, ledgerCtx context.Context, c completion) error {
	res := c.result
	state := res.State
	if state != execution.StateSucceeded {
		state = execution.StateFailed
		if res.Exit.Kind == execution.ExitNone {
			res.Exit = execution.DetailFromError(res.Err)
		}
	}
	finishedAt := s.now()
	if err := s.transition(ledgerCtx, c.job, state, func(je *execution.JobExecution) {
		je.FinishedAt = finishedAt
		je.Attempts = res.Attempts
		je.Exit = res.Exit
		je.Outputs = res.Outputs
		je.Steps = res.Steps
	}); err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx).With("job", c.job)
	if state == execution.StateSucceeded {
		s.outputs[c.job] = res.Outputs
		return s.release(ledgerCtx, c.job)
	}

	logger.Warn("Job failed, skipping its dependents.", "kind", res.Exit.Kind)
	downstream, err := s.def.Graph.TransitiveDependents(c.job)
	if err != nil {
		return err
	}
	for _, d := range downstream {
		if s.states[d] != execution.StatePending && s.states[d] != execution.StateReady {
			continue
		}
		s.dequeue(d)
		if err := s.transition(ledgerCtx, d, execution.StateSkipped, func(je *execution.JobExecution) {
			je.FinishedAt = finishedAt
			je.Exit = execution.ExitDetail{
				Kind:     execution.ExitUpstreamFailed,
				Upstream: c.job,
				Message:  fmt.Sprintf("skipped because %q failed", c.job),
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// release marks every dependent whose needs have all succeeded as ready.
func (s *Scheduler) release(ctx context.Context, name string) error {
	dependents, err := s.def.Graph.Dependents(name)
	if err != nil {
		return err
	}
	for _, d := range dependents {
		if s.states[d] != execution.StatePending {
			continue
		}
		job, _ := s.def.Job(d)
		ready := true
		for _, n := range job.Needs {
			if s.states[n] != execution.StateSucceeded {
				ready = false
				break
			}
		}
		if ready {
			if err := s.markReady(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) skipRemaining(ctx context.Context, exit execution.ExitDetail) error {
	at := s.now()
	for _, name := range s.def.Order {
		st := s.states[name]
		if st != execution.StatePending && st != execution.StateReady {
			continue
		}
		if err := s.transition(ctx, name, execution.StateSkipped, func(je *execution.JobExecution) {
			je.FinishedAt = at
			je.Exit = exit
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) dequeue(name string) {
	for i, q := range s.queue {
		if q == name {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
