// Package storetest is a conformance suite shared by every store.Store
// backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

// Run exercises the full store contract against stores made by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("run ids are monotonic", func(t *testing.T) { testMonotonicIDs(t, newStore(t)) })
	t.Run("run round trip", func(t *testing.T) { testRunRoundTrip(t, newStore(t)) })
	t.Run("transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("concurrent transitions", func(t *testing.T) { testConcurrentTransitions(t, newStore(t)) })
	t.Run("artifacts", func(t *testing.T) { testArtifacts(t, newStore(t)) })
	t.Run("deployments", func(t *testing.T) { testDeployments(t, newStore(t)) })
}

func testMonotonicIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		run, err := s.CreateRun(ctx, "p", trigger.Event{}, []string{"a"})
		require.NoError(t, err)
		assert.Greater(t, run.ID, last)
		last = run.ID
	}
}

func testRunRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	event := trigger.Event{Name: "push", Ref: "refs/heads/main", After: "abc", Actor: "dev"}
	created, err := s.CreateRun(ctx, "site", event, []string{"build", "test"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, created.Status)

	got, err := s.GetRun(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "site", got.Pipeline)
	assert.Equal(t, event, got.Trigger)
	assert.Equal(t, []string{"build", "test"}, got.Order)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, execution.StatePending, got.Jobs["build"].State)

	require.NoError(t, s.SetRunStatus(ctx, created.ID, execution.StatusRunning))
	require.NoError(t, s.SetRunStatus(ctx, created.ID, execution.StatusFailed))
	got, err = s.GetRun(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.False(t, got.FinishedAt.IsZero())

	_, err = s.GetRun(ctx, created.ID+1000)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, created.ID, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetRunStatus(ctx, created.ID+1000, execution.StatusRunning), store.ErrNotFound)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "p", trigger.Event{}, []string{"a", "b"})
	require.NoError(t, err)

	_, err = s.TransitionJob(ctx, run.ID, "a", execution.StateRunning, nil)
	assert.ErrorIs(t, err, execution.ErrIllegalTransition)

	_, err = s.TransitionJob(ctx, run.ID, "a", execution.StateReady, nil)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)
	_, err = s.TransitionJob(ctx, run.ID, "a", execution.StateRunning, func(je *execution.JobExecution) {
		je.StartedAt = started
	})
	require.NoError(t, err)

	je, err := s.TransitionJob(ctx, run.ID, "a", execution.StateSucceeded, func(je *execution.JobExecution) {
		je.FinishedAt = started.Add(time.Second)
		je.Attempts = 1
		je.Outputs = map[string]string{"version": "1.2.3"}
		je.Steps = []execution.StepRecord{{Name: "build", Succeeded: true, Output: "ok"}}
		je.State = execution.StateFailed // ignored
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StateSucceeded, je.State)

	got, err := s.GetJob(ctx, run.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, execution.StateSucceeded, got.State)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, map[string]string{"version": "1.2.3"}, got.Outputs)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "ok", got.Steps[0].Output)

	_, err = s.TransitionJob(ctx, run.ID, "a", execution.StateFailed, nil)
	assert.ErrorIs(t, err, execution.ErrIllegalTransition)

	_, err = s.TransitionJob(ctx, run.ID, "b", execution.StateSkipped, func(je *execution.JobExecution) {
		je.Exit = execution.ExitDetail{Kind: execution.ExitUpstreamFailed, Upstream: "a"}
	})
	require.NoError(t, err)
	got, err = s.GetJob(ctx, run.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Exit.Upstream)

	_, err = s.TransitionJob(ctx, run.ID, "zzz", execution.StateReady, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "p", trigger.Event{}, []string{"a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TransitionJob(ctx, run.ID, "a", execution.StateReady, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one Pending->Ready transition may win")
}

func testArtifacts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &store.Artifact{RunID: 1, Name: "dist", Producer: "build", Blob: []byte("v1"), Digest: "d1", Size: 2, CreatedAt: time.Now()}
	require.NoError(t, s.PutArtifact(ctx, a))

	got, err := s.GetArtifact(ctx, 1, "dist")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Blob)
	assert.Equal(t, "build", got.Producer)

	a2 := &store.Artifact{RunID: 1, Name: "dist", Producer: "build", Blob: []byte("v22"), Digest: "d2", Size: 3, CreatedAt: time.Now()}
	require.NoError(t, s.PutArtifact(ctx, a2))
	got, err = s.GetArtifact(ctx, 1, "dist")
	require.NoError(t, err)
	assert.Equal(t, []byte("v22"), got.Blob)

	_, err = s.GetArtifact(ctx, 2, "dist")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutArtifact(ctx, &store.Artifact{RunID: 1, Name: "coverage", Producer: "test", Blob: []byte("c")}))
	list, err := s.ListArtifacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "coverage", list[0].Name)
	assert.Equal(t, "dist", list[1].Name)
	assert.Nil(t, list[1].Blob)
}

func testDeployments(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetDeployment(ctx, "prod")
	assert.ErrorIs(t, err, store.ErrNotFound)

	first := &store.Deployment{RunID: 1, Job: "deploy", URL: "https://v1", Outputs: map[string]string{"id": "1"}, At: time.Now()}
	require.NoError(t, s.PutDeployment(ctx, "prod", first))
	second := &store.Deployment{RunID: 2, Job: "deploy", URL: "https://v2", At: time.Now()}
	require.NoError(t, s.PutDeployment(ctx, "prod", second))

	got, err := s.GetDeployment(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunID)
	assert.Equal(t, "https://v2", got.URL)
	assert.Empty(t, got.Outputs)
}
