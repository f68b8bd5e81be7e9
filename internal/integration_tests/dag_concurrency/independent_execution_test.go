package dag_concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/app"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/testutil"
	"github.com/vk/pipegrid/internal/trigger"
)

const twoTracksHCL = `
	pipeline "tracks" {}

	# Track 1
	job "track1_a" {
	  runs_on = "local"
	  step "s" {
	    uses = "sleep"
	    with = { id = "1A" }
	  }
	}
	job "track1_b" {
	  runs_on = "local"
	  needs   = ["track1_a"]
	  step "s" {
	    uses = "sleep"
	    with = { id = "1B" }
	  }
	}

	# Track 2
	job "track2_a" {
	  runs_on = "local"
	  step "s" {
	    uses = "sleep"
	    with = { id = "2A" }
	  }
	}
	job "track2_b" {
	  runs_on = "local"
	  needs   = ["track2_a"]
	  step "s" {
	    uses = "sleep"
	    with = { id = "2B" }
	  }
	}
`

// Test for: independent tracks execute concurrently.
func TestDagConcurrency_IndependentTracksOverlap(t *testing.T) {
	t.Parallel()

	// Arrange
	sleeper := testutil.NewSleeperModule(nil, 150*time.Millisecond)

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files:   map[string]string{"main.hcl": twoTracksHCL},
		Entry:   "main.hcl",
		Event:   trigger.Event{Ref: "main"},
		Modules: []registry.Module{sleeper},
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusSucceeded, result.Run.Status)
	require.Equal(t, 4, sleeper.Count())

	track1A, _ := sleeper.Execution("1A")
	track1B, _ := sleeper.Execution("1B")
	track2A, _ := sleeper.Execution("2A")
	track2B, _ := sleeper.Execution("2B")

	assert.True(t, track2A.Start.Before(track1B.End), "independent tracks did not run in parallel")
	assert.False(t, track1B.Start.Before(track1A.End), "dependency violation in track 1")
	assert.False(t, track2B.Start.Before(track2A.End), "dependency violation in track 2")
}

// Test for: a single worker serializes the run but honors every dependency.
func TestDagConcurrency_SingleWorker(t *testing.T) {
	t.Parallel()

	// Arrange
	completions := make(chan string, 4)
	sleeper := testutil.NewSleeperModule(completions, 10*time.Millisecond)

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files:     map[string]string{"main.hcl": twoTracksHCL},
		Entry:     "main.hcl",
		Event:     trigger.Event{Ref: "main"},
		Modules:   []registry.Module{sleeper},
		Configure: func(cfg *app.Config) { cfg.Workers = 1 },
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusSucceeded, result.Run.Status)
	close(completions)

	var order []string
	for id := range completions {
		order = append(order, id)
	}
	require.Len(t, order, 4)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["1A"], pos["1B"])
	assert.Less(t, pos["2A"], pos["2B"])

	for _, job := range []string{"track1_a", "track1_b", "track2_a", "track2_b"} {
		testutil.AssertJobState(t, result, job, execution.StateSucceeded)
	}
	testutil.AssertStartedAfter(t, result, "track1_b", "track1_a")
	testutil.AssertStartedAfter(t, result, "track2_b", "track2_a")
}

// Test for: a failed track does not stop the unrelated one.
func TestDagConcurrency_FailureLeavesUnrelatedTrack(t *testing.T) {
	t.Parallel()

	// Arrange
	pipelineHCL := `
		pipeline "tracks" {}

		job "broken" {
		  runs_on = "local"
		  step "s" {
		    uses = "sleep"
		    with = { id = "broken", fail = true }
		  }
		}
		job "after_broken" {
		  runs_on = "local"
		  needs   = ["broken"]
		  step "s" {
		    uses = "sleep"
		    with = { id = "after_broken" }
		  }
		}
		job "healthy" {
		  runs_on = "local"
		  step "s" {
		    uses = "sleep"
		    with = { id = "healthy" }
		  }
		}
	`
	sleeper := testutil.NewSleeperModule(nil, 20*time.Millisecond)

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files:   map[string]string{"main.hcl": pipelineHCL},
		Entry:   "main.hcl",
		Event:   trigger.Event{Ref: "main"},
		Modules: []registry.Module{sleeper},
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusFailed, result.Run.Status)
	testutil.AssertJobState(t, result, "broken", execution.StateFailed)
	testutil.AssertJobState(t, result, "after_broken", execution.StateSkipped)
	testutil.AssertJobState(t, result, "healthy", execution.StateSucceeded)

	_, ran := sleeper.Execution("after_broken")
	assert.False(t, ran)
}
