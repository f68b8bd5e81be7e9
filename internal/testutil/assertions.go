package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/execution"
)

// AssertJobState checks the final state of a job in a harness run.
func AssertJobState(t *testing.T, result *HarnessResult, job string, want execution.State) *execution.JobExecution {
	t.Helper()
	require.NoError(t, result.Err)
	require.NotNil(t, result.Run, "harness produced no run")

	je, ok := result.Run.Jobs[job]
	require.True(t, ok, "job %q is not part of the run", job)
	require.Equal(t, want, je.State, "job %q ended %s (exit %+v)", job, je.State, je.Exit)
	return je
}

// AssertStartedAfter checks that job started only after every upstream job
// had finished.
func AssertStartedAfter(t *testing.T, result *HarnessResult, job string, upstream ...string) {
	t.Helper()
	je := AssertJobState(t, result, job, result.Run.Jobs[job].State)
	for _, u := range upstream {
		up, ok := result.Run.Jobs[u]
		require.True(t, ok, "job %q is not part of the run", u)
		require.False(t, je.StartedAt.Before(up.FinishedAt),
			"job %q started at %s, before %q finished at %s", job, je.StartedAt, u, up.FinishedAt)
	}
}
