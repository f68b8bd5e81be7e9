package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/environment"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/step"
	"github.com/vk/pipegrid/internal/stub"
	"github.com/vk/pipegrid/internal/trigger"
)

// Request carries the run-level inputs of one job execution.
type Request struct {
	RunID       int64
	Pipeline    string
	Trigger     trigger.Event
	Permissions map[string]string
	// Needs holds the outputs of the job's direct dependencies.
	Needs map[string]map[string]string
}

// Options configures a Runner.
type Options struct {
	Provisioners []Provisioner
	Artifacts    *artifact.Store
	Environments *environment.Binding
	// Transport is the base HTTP transport for action clients.
	Transport http.RoundTripper
	// SourceDir is handed to the job context for checkout.
	SourceDir string
	// BaseEnv is the environment every subprocess starts from. Nil means
	// PATH only.
	BaseEnv map[string]string
	// Sleep waits between retries; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner executes jobs. It is safe for concurrent use.
type Runner struct {
	provisioners map[string]Provisioner
	labels       []string
	artifacts    *artifact.Store
	environments *environment.Binding
	transport    http.RoundTripper
	sourceDir    string
	baseEnv      map[string]string
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// New creates a Runner. Provisioners are indexed by every label they
// serve; the first provisioner claiming a label wins.
func New(opts Options) *Runner {
	r := &Runner{
		provisioners: make(map[string]Provisioner),
		artifacts:    opts.Artifacts,
		environments: opts.Environments,
		transport:    opts.Transport,
		sourceDir:    opts.SourceDir,
		baseEnv:      opts.BaseEnv,
		sleep:        opts.Sleep,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, p := range opts.Provisioners {
		for _, l := range p.Labels() {
			if _, taken := r.provisioners[l]; !taken {
				r.provisioners[l] = p
				r.labels = append(r.labels, l)
			}
		}
	}
	sort.Strings(r.labels)
	if r.baseEnv == nil {
		r.baseEnv = map[string]string{"PATH": os.Getenv("PATH")}
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Labels returns every runs_on label this runner can serve.
func (r *Runner) Labels() []string {
	return append([]string(nil), r.labels...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs job to completion and reports its terminal state. It never
// returns a non-terminal state.
func (r *Runner) Execute(ctx context.Context, job *builder.Job, req Request) execution.Result {
	ctx, logger := ctxlog.With(ctx, "run_id", req.RunID, "job", job.Name)
	res := execution.Result{StartedAt: r.now()}
	fail := func(err error) execution.Result {
		res.State = execution.StateFailed
		res.Err = err
		res.Exit = execution.DetailFromError(err)
		res.FinishedAt = r.now()
		logger.Error("❌ Job failed.", "kind", res.Exit.Kind, "error", err)
		return res
	}
	logger.Info("▶️ Starting job", "runs_on", job.RunsOn, "steps", len(job.Steps))

	var resolution *environment.Resolution
	if job.Environment != "" {
		if r.environments == nil {
			return fail(&execution.SecretResolutionError{Environment: job.Environment, Reason: "no environments are configured"})
		}
		var err error
		resolution, err = r.environments.Resolve(ctx, job.Environment, environment.JobRef{
			RunID:           req.RunID,
			Job:             job.Name,
			Environment:     job.Environment,
			RequiredSecrets: job.RequiredSecrets,
		})
		if err != nil {
			return fail(err)
		}
	}

	ws, attempts, err := r.provision(ctx, job, req.RunID)
	res.Attempts = attempts
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn("Failed to release workspace.", "dir", ws.Dir, "error", err)
		}
	}()

	jc, err := r.newJobContext(ctx, job, req, ws, resolution, logger)
	if err != nil {
		return fail(err)
	}

	stepCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	// A step that ignores stepCtx can return success after the deadline,
	// so the deadline is checked after every step whatever its result.
	overran := func() error {
		if job.Timeout > 0 && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return &execution.TimeoutError{Job: job.Name, Timeout: job.Timeout}
		}
		return nil
	}

	outputs := make(map[string]string)
	for _, s := range job.Steps {
		rec, sres := r.runStep(stepCtx, s, jc)
		res.Steps = append(res.Steps, rec)
		if ctx.Err() != nil {
			return fail(fmt.Errorf("step %q interrupted: %w", s.Name(), ctx.Err()))
		}
		if err := overran(); err != nil {
			return fail(err)
		}
		if sres.Failed() {
			return fail(&execution.StepFailure{Step: s.Name(), ExitCode: sres.ExitCode, Err: sres.Err})
		}
		for k, v := range sres.Outputs {
			outputs[k] = jc.Masker.Mask(v)
		}
		jc = jc.WithStepOutputs(s.Name(), sres.Outputs)
	}

	// The timeout bounds the steps. Publishing and deployment recording
	// only happen once every step finished inside it.
	if jc.Artifacts != nil {
		published, err := jc.Artifacts.Publish(ctx)
		if err != nil {
			return fail(fmt.Errorf("publishing artifacts: %w", err))
		}
		if len(published) > 0 {
			logger.Info("Artifacts published.", "count", len(published))
		}
	}

	if job.Environment != "" {
		url, err := jc.EvalString(job.EnvironmentURL)
		if err != nil {
			return fail(fmt.Errorf("evaluating environment_url: %w", err))
		}
		if url == "" {
			url = resolution.URL
		}
		if err := r.environments.RecordDeployment(ctx, job.Environment, environment.Deployment{
			RunID:   req.RunID,
			Job:     job.Name,
			Outputs: outputs,
			URL:     jc.Masker.Mask(url),
			At:      r.now(),
		}); err != nil {
			return fail(err)
		}
	}

	res.State = execution.StateSucceeded
	res.Outputs = outputs
	res.FinishedAt = r.now()
	logger.Info("✅ Finished job", "duration", res.FinishedAt.Sub(res.StartedAt))
	return res
}

// provision obtains a workspace, retrying infrastructure failures when the
// job opts in.
func (r *Runner) provision(ctx context.Context, job *builder.Job, runID int64) (*Workspace, int, error) {
	logger := ctxlog.FromContext(ctx)
	maxAttempts := 1
	if job.Retry != nil && job.Retry.Attempts > 1 {
		maxAttempts = job.Retry.Attempts
	}

	p, ok := r.provisioners[job.RunsOn]
	if !ok {
		return nil, 1, &execution.InfrastructureError{RunsOn: job.RunsOn, Err: fmt.Errorf("no provisioner serves this label")}
	}

	for attempt := 1; ; attempt++ {
		ws, err := p.Provision(ctx, runID, job.Name)
		if err == nil {
			return ws, attempt, nil
		}
		infraErr := &execution.InfrastructureError{RunsOn: job.RunsOn, Err: err}
		if attempt >= maxAttempts {
			return nil, attempt, infraErr
		}
		delay := job.Retry.Backoff(attempt)
		logger.Warn("Provisioning failed, retrying.", "attempt", attempt, "max_attempts", maxAttempts, "backoff", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, attempt, fmt.Errorf("waiting to retry: %w", err)
		}
	}
}

func (r *Runner) newJobContext(ctx context.Context, job *builder.Job, req Request, ws *Workspace, resolution *environment.Resolution, logger *slog.Logger) (*jobctx.Context, error) {
	var secrets map[string]string
	if resolution != nil {
		secrets = resolution.Secrets
	}
	masker := jobctx.NewMasker(secrets)

	var scope *artifact.Scope
	if r.artifacts != nil {
		scope = r.artifacts.Scope(req.RunID, job.Name, job.Upstream)
	}

	jc := &jobctx.Context{
		RunID:       req.RunID,
		Pipeline:    req.Pipeline,
		Job:         job.Name,
		Trigger:     req.Trigger,
		Permissions: req.Permissions,
		Workspace:   ws.Dir,
		SourceDir:   r.sourceDir,
		BaseEnv:     r.baseEnv,
		Secrets:     secrets,
		Needs:       req.Needs,
		Environment: resolution,
		Artifacts:   scope,
		HTTP:        stub.NewClient(job.Intercept, r.transport),
		Logger:      logger,
		Masker:      masker,
	}

	// Job env may reference everything except itself.
	env, err := jc.EvalStringMap(job.Env)
	if err != nil {
		return nil, fmt.Errorf("evaluating env: %w", err)
	}
	jc.Env = env
	return jc, nil
}

// runStep executes one step, converting a panic into a failed result.
func (r *Runner) runStep(ctx context.Context, s step.Step, jc *jobctx.Context) (rec execution.StepRecord, res step.Result) {
	ctx, logger := ctxlog.With(ctx, "step", s.Name())
	rec = execution.StepRecord{Name: s.Name(), StartedAt: r.now()}
	logger.Info("▶️ Starting step")

	defer func() {
		if p := recover(); p != nil {
			res = step.Result{ExitCode: -1, Err: fmt.Errorf("panic: %s", jc.Masker.Mask(fmt.Sprint(p)))}
		}
		rec.FinishedAt = r.now()
		rec.Succeeded = !res.Failed()
		rec.ExitCode = res.ExitCode
		rec.Output = jc.Masker.Mask(res.Output)
		if res.Failed() {
			logger.Error("Step failed.", "exit_code", res.ExitCode, "error", res.Err)
			return
		}
		logger.Info("✅ Finished step")
	}()

	res = s.Run(ctx, jc)
	return rec, res
}
