package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/events"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/hcl_adapter"
	"github.com/vk/pipegrid/internal/inmemorystore"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

const mainOnly = `
pipeline "site" {
  on {
    branches = ["main"]
  }
}

job "build" {
  runs_on = "local"
  step "compile" {
    run = "echo version=1.0 >> $PIPEGRID_OUTPUT"
  }
}

job "test" {
  runs_on = "local"
  needs   = ["build"]
  step "check" {
    run = "test \"${needs.build.outputs.version}\" = 1.0"
  }
}
`

const slowPipeline = `
pipeline "slow" {}

job "wait" {
  runs_on = "local"
  step "sleep" {
    run = "sleep 10"
  }
}

job "after" {
  runs_on = "local"
  needs   = ["wait"]
  step "never" {
    run = "true"
  }
}
`

type fixture struct {
	store    *inmemorystore.Store
	recorder *events.Recorder
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := inmemorystore.New()
	rec := events.NewRecorder()
	r := runner.New(runner.Options{
		Provisioners: []runner.Provisioner{runner.NewLocalProvisioner(t.TempDir())},
	})
	c := New(Options{Store: st, Registry: registry.New(), Runner: r, Workers: 2, Publisher: rec})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &fixture{store: st, recorder: rec, coord: c}
}

func parse(t *testing.T, src string) *config.Pipeline {
	t.Helper()
	p, err := hcl_adapter.NewLoader().Parse(context.Background(), "pipeline.hcl", []byte(src))
	require.NoError(t, err)
	return p
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	id, err := f.coord.Submit(ctx, parse(t, mainOnly), trigger.Event{Name: "push", Ref: "refs/heads/main", After: "abc"})
	require.NoError(t, err)

	status, err := f.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, status)

	run, err := f.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, run.Status)
	assert.Equal(t, []string{"build", "test"}, run.Order)
	assert.Equal(t, execution.StateSucceeded, run.Jobs["test"].State)
	assert.Equal(t, "1.0", run.Jobs["build"].Outputs["version"])

	var types []events.Type
	for _, e := range f.recorder.Events() {
		types = append(types, e.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, events.RunStarted, types[0])
	assert.Equal(t, events.RunFinished, types[len(types)-1])

	// A finished run can still be waited on from the ledger.
	status, err = f.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, status)
}

func TestSubmit_InvalidDefinitionCreatesNoRun(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	p := parse(t, `
pipeline "loop" {}

job "a" {
  runs_on = "local"
  needs   = ["b"]
  step "s" { run = "true" }
}

job "b" {
  runs_on = "local"
  needs   = ["a"]
  step "s" { run = "true" }
}
`)
	_, err := f.coord.Submit(ctx, p, trigger.Event{Ref: "main"})
	var defErr *builder.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Contains(t, defErr.Error(), "cycle")

	_, err = f.store.GetRun(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_UnservedLabelIsRejected(t *testing.T) {
	f := newFixture(t)
	p := parse(t, `
job "gpu" {
  runs_on = "gpu-large"
  step "s" { run = "true" }
}
`)
	_, err := f.coord.Validate(context.Background(), p)
	var defErr *builder.DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Contains(t, defErr.Problems[0], `runs_on label "gpu-large"`)
}

func TestSubmit_FilteredEventCreatesNoRun(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	_, err := f.coord.Submit(ctx, parse(t, mainOnly), trigger.Event{Ref: "refs/heads/feature"})
	assert.ErrorIs(t, err, ErrNotTriggered)

	_, err = f.store.GetRun(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_SkipsPendingJobs(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	id, err := f.coord.Submit(ctx, parse(t, slowPipeline), trigger.Event{Ref: "main"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		je, err := f.store.GetJob(ctx, id, "wait")
		return err == nil && je.State == execution.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.coord.Cancel(ctx, id))
	status, err := f.coord.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, status)

	run, err := f.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateFailed, run.Jobs["wait"].State)
	assert.Equal(t, execution.StateSkipped, run.Jobs["after"].State)
	assert.Equal(t, execution.ExitCanceled, run.Jobs["after"].Exit.Kind)

	assert.ErrorIs(t, f.coord.Cancel(ctx, id), ErrNotActive)
}

func TestShutdown_RejectsLaterSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)

	id, err := f.coord.Submit(ctx, parse(t, slowPipeline), trigger.Event{Ref: "main"})
	require.NoError(t, err)
	require.NoError(t, f.coord.Shutdown(ctx))

	run, err := f.coord.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, run.Status)

	_, err = f.coord.Submit(ctx, parse(t, mainOnly), trigger.Event{Ref: "main"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = f.store.GetRun(ctx, id+1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestShutdown_ConcurrentSubmissionsEndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := waitCtx(t)
	p := parse(t, mainOnly)

	var (
		mu  sync.Mutex
		ids []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.coord.Submit(ctx, p, trigger.Event{Ref: "main"})
			if err != nil {
				assert.ErrorIs(t, err, ErrShuttingDown)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	require.NoError(t, f.coord.Shutdown(ctx))
	wg.Wait()

	// Every accepted run was started before Shutdown returned, so it was
	// waited for.
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		run, err := f.coord.Status(ctx, id)
		require.NoError(t, err)
		assert.True(t, run.Status.Terminal(), "run %d ended %s", id, run.Status)
	}
}

func TestCancel_UnknownRun(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Cancel(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.coord.Status(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_RequestCancellationDoesNotStopRun(t *testing.T) {
	f := newFixture(t)
	reqCtx, cancelReq := context.WithCancel(context.Background())

	id, err := f.coord.Submit(reqCtx, parse(t, mainOnly), trigger.Event{Ref: "main"})
	require.NoError(t, err)
	cancelReq()

	status, err := f.coord.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, status)
}
