package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/environment"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/inmemorystore"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/step"
)

func expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), diags.Error())
	return e
}

func shell(t *testing.T, name, cmd string) step.Step {
	return step.NewShell(name, expr(t, cmd), nil)
}

type fixture struct {
	store    *inmemorystore.Store
	bindings *environment.Binding
	runner   *Runner
	root     string
}

func newFixture(t *testing.T, provisioners ...Provisioner) *fixture {
	t.Helper()
	st := inmemorystore.New()
	root := t.TempDir()
	if len(provisioners) == 0 {
		provisioners = []Provisioner{NewLocalProvisioner(root, "ubuntu-latest")}
	}
	bindings := environment.NewBinding(st, []environment.Environment{
		{Name: "prod", URL: "https://prod.example", Secrets: map[string]string{"DEPLOY_TOKEN": "tok-123"}},
	}, func(string) (string, bool) { return "", false })
	return &fixture{
		store:    st,
		bindings: bindings,
		root:     root,
		runner: New(Options{
			Provisioners: provisioners,
			Artifacts:    artifact.NewStore(st, st),
			Environments: bindings,
			Sleep:        func(context.Context, time.Duration) error { return nil },
		}),
	}
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	job := &builder.Job{
		Name:   "build",
		RunsOn: "local",
		Env:    map[string]hcl.Expression{"GREETING": expr(t, `"hello ${trigger.actor}"`)},
		Steps: []step.Step{
			shell(t, "one", `"echo version=1.0 >> $PIPEGRID_OUTPUT"`),
			shell(t, "two", `"echo \"$GREETING ${steps.one.outputs.version}\"; echo extra=${needs.lint.outputs.ok} >> $PIPEGRID_OUTPUT"`),
		},
	}
	res := f.runner.Execute(context.Background(), job, Request{
		RunID: 1,
		Needs: map[string]map[string]string{"lint": {"ok": "yes"}},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, execution.StateSucceeded, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, map[string]string{"version": "1.0", "extra": "yes"}, res.Outputs)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "hello  1.0\n", res.Steps[1].Output)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	entries, err := os.ReadDir(filepath.Join(f.root, "run-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace is removed after the job")
}

func TestExecute_StepFailureStopsJob(t *testing.T) {
	f := newFixture(t)
	job := &builder.Job{
		Name:   "build",
		RunsOn: "local",
		Steps: []step.Step{
			shell(t, "compile", `"exit 4"`),
			shell(t, "never", `"touch should-not-exist"`),
		},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})

	assert.Equal(t, execution.StateFailed, res.State)
	var stepErr *execution.StepFailure
	require.ErrorAs(t, res.Err, &stepErr)
	assert.Equal(t, "compile", stepErr.Step)
	assert.Equal(t, 4, stepErr.ExitCode)
	assert.Equal(t, execution.ExitStepFailure, res.Exit.Kind)
	assert.Len(t, res.Steps, 1)
}

type panicStep struct{}

func (panicStep) Name() string { return "explode" }
func (panicStep) Run(ctx context.Context, jc *jobctx.Context) step.Result {
	panic("kaboom")
}

func TestExecute_PanicBecomesStepFailure(t *testing.T) {
	f := newFixture(t)
	job := &builder.Job{Name: "j", RunsOn: "local", Steps: []step.Step{panicStep{}}}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})

	var stepErr *execution.StepFailure
	require.ErrorAs(t, res.Err, &stepErr)
	assert.Equal(t, "explode", stepErr.Step)
	assert.ErrorContains(t, res.Err, "kaboom")
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t)
	job := &builder.Job{
		Name:    "slow",
		RunsOn:  "local",
		Timeout: 100 * time.Millisecond,
		Steps:   []step.Step{shell(t, "sleep", `"sleep 5"`)},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})

	var timeoutErr *execution.TimeoutError
	require.ErrorAs(t, res.Err, &timeoutErr)
	assert.Equal(t, execution.ExitTimeout, res.Exit.Kind)
}

// stallStep sleeps without looking at ctx and then reports success, the
// way an action doing uninterruptible file work behaves.
func stallStep(d time.Duration) step.Step {
	return stepFunc(func(ctx context.Context, jc *jobctx.Context) step.Result {
		dist := filepath.Join(jc.Workspace, "dist")
		if err := os.WriteFile(dist, []byte("bin"), 0o600); err != nil {
			return step.Result{Err: err}
		}
		jc.Artifacts.Stage("dist", dist)
		time.Sleep(d)
		return step.Result{Outputs: map[string]string{"late": "yes"}}
	})
}

func TestExecute_OverrunningStepThatSucceedsStillTimesOut(t *testing.T) {
	testCases := []struct {
		name  string
		steps func(t *testing.T, marker string) []step.Step
	}{
		{
			name: "last step",
			steps: func(t *testing.T, marker string) []step.Step {
				return []step.Step{stallStep(200 * time.Millisecond)}
			},
		},
		{
			name: "later steps never start",
			steps: func(t *testing.T, marker string) []step.Step {
				return []step.Step{stallStep(200 * time.Millisecond), shell(t, "after", `"touch `+marker+`"`)}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			marker := filepath.Join(t.TempDir(), "ran")
			job := &builder.Job{
				Name:        "deploy",
				RunsOn:      "local",
				Environment: "prod",
				Timeout:     30 * time.Millisecond,
				Steps:       tc.steps(t, marker),
			}
			res := f.runner.Execute(ctx, job, Request{RunID: 1})

			assert.Equal(t, execution.StateFailed, res.State)
			var timeoutErr *execution.TimeoutError
			require.ErrorAs(t, res.Err, &timeoutErr)
			assert.Equal(t, "deploy", timeoutErr.Job)
			assert.Equal(t, execution.ExitTimeout, res.Exit.Kind)
			assert.Len(t, res.Steps, 1)
			assert.Empty(t, res.Outputs)
			assert.NoFileExists(t, marker)

			_, err := f.bindings.LastDeployment(ctx, "prod")
			assert.Error(t, err, "a timed out job must not record a deployment")
			published, err := f.store.ListArtifacts(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, published, "a timed out job must not publish artifacts")
		})
	}
}

type flakyProvisioner struct {
	failures int32
	calls    atomic.Int32
	inner    *LocalProvisioner
}

func (p *flakyProvisioner) Labels() []string { return []string{"flaky"} }
func (p *flakyProvisioner) Provision(ctx context.Context, runID int64, job string) (*Workspace, error) {
	if p.calls.Add(1) <= p.failures {
		return nil, errors.New("host unavailable")
	}
	return p.inner.Provision(ctx, runID, job)
}

func TestExecute_RetriesInfrastructureOnly(t *testing.T) {
	p := &flakyProvisioner{failures: 2, inner: NewLocalProvisioner(t.TempDir())}
	f := newFixture(t, p)

	job := &builder.Job{
		Name:   "j",
		RunsOn: "flaky",
		Retry:  &builder.RetryPolicy{Attempts: 3},
		Steps:  []step.Step{shell(t, "ok", `"true"`)},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)

	p.calls.Store(0)
	job.Retry = nil
	res = f.runner.Execute(context.Background(), job, Request{RunID: 2})
	var infraErr *execution.InfrastructureError
	require.ErrorAs(t, res.Err, &infraErr)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, execution.ExitInfrastructure, res.Exit.Kind)
}

func TestExecute_StepFailuresAreNotRetried(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "count")
	job := &builder.Job{
		Name:   "j",
		RunsOn: "local",
		Retry:  &builder.RetryPolicy{Attempts: 3},
		Steps:  []step.Step{shell(t, "fail", `"echo x >> `+marker+`; exit 1"`)},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})
	assert.Equal(t, execution.StateFailed, res.State)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
}

func TestExecute_EnvironmentSecretsAndDeployment(t *testing.T) {
	f := newFixture(t)
	job := &builder.Job{
		Name:            "deploy",
		RunsOn:          "local",
		Environment:     "prod",
		RequiredSecrets: []string{"DEPLOY_TOKEN"},
		EnvironmentURL:  expr(t, `steps.publish.outputs.url`),
		Steps: []step.Step{
			shell(t, "publish", `"echo using ${secrets.DEPLOY_TOKEN}; echo url=https://v2.example >> $PIPEGRID_OUTPUT; echo token=${secrets.DEPLOY_TOKEN} >> $PIPEGRID_OUTPUT"`),
		},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 9})
	require.NoError(t, res.Err)
	assert.Equal(t, "using ***\n", res.Steps[0].Output)
	assert.Equal(t, "***", res.Outputs["token"])

	d, err := f.bindings.LastDeployment(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, int64(9), d.RunID)
	assert.Equal(t, "https://v2.example", d.URL)
}

func TestExecute_FailedDeployKeepsPreviousOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bindings.RecordDeployment(ctx, "prod", environment.Deployment{RunID: 1, Job: "deploy", URL: "https://v1"}))

	job := &builder.Job{
		Name:        "deploy",
		RunsOn:      "local",
		Environment: "prod",
		Steps:       []step.Step{shell(t, "publish", `"exit 1"`)},
	}
	res := f.runner.Execute(ctx, job, Request{RunID: 2})
	assert.Equal(t, execution.StateFailed, res.State)

	d, err := f.bindings.LastDeployment(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "https://v1", d.URL)
}

func TestExecute_MissingSecretFailsBeforeFirstStep(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "ran")
	job := &builder.Job{
		Name:            "deploy",
		RunsOn:          "local",
		Environment:     "prod",
		RequiredSecrets: []string{"MISSING"},
		Steps:           []step.Step{shell(t, "s", `"touch `+marker+`"`)},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})

	var secretErr *execution.SecretResolutionError
	require.ErrorAs(t, res.Err, &secretErr)
	assert.Equal(t, execution.ExitSecretResolution, res.Exit.Kind)
	assert.Empty(t, res.Steps)
	assert.NoFileExists(t, marker)
}

func TestExecute_NoSecretsWithoutEnvironment(t *testing.T) {
	f := newFixture(t)
	var seen map[string]string
	job := &builder.Job{
		Name:   "build",
		RunsOn: "local",
		Steps: []step.Step{stepFunc(func(ctx context.Context, jc *jobctx.Context) step.Result {
			seen = jc.Secrets
			return step.Result{}
		})},
	}
	res := f.runner.Execute(context.Background(), job, Request{RunID: 1})
	require.NoError(t, res.Err)
	assert.Empty(t, seen)
}

func TestLabels(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"local", "ubuntu-latest"}, f.runner.Labels())
}

type stepFunc func(ctx context.Context, jc *jobctx.Context) step.Result

func (f stepFunc) Name() string { return "func" }
func (f stepFunc) Run(ctx context.Context, jc *jobctx.Context) step.Result {
	return f(ctx, jc)
}
