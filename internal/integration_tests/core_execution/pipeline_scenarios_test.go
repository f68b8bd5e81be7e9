package core_execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/testutil"
	"github.com/vk/pipegrid/internal/trigger"
)

// Test for: a failing build skips test and deploy, and the run fails.
func TestCoreExecution_FailingBuildSkipsDownstream(t *testing.T) {
	t.Parallel()

	// Arrange
	pipelineHCL := `
		pipeline "site" {}

		job "build" {
		  runs_on = "local"
		  step "compile" {
		    run = "echo compiling && exit 3"
		  }
		}

		job "test" {
		  runs_on = "local"
		  needs   = ["build"]
		  step "unit" {
		    uses = "spy"
		  }
		}

		job "deploy" {
		  runs_on = "local"
		  needs   = ["test"]
		  step "publish" {
		    uses = "spy"
		  }
		}
	`
	spy := &testutil.SpyModule{}

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files:   map[string]string{"main.hcl": pipelineHCL},
		Entry:   "main.hcl",
		Event:   trigger.Event{Name: "push", Ref: "refs/heads/main"},
		Modules: []registry.Module{spy},
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusFailed, result.Run.Status)

	build := testutil.AssertJobState(t, result, "build", execution.StateFailed)
	assert.Equal(t, execution.ExitStepFailure, build.Exit.Kind)

	for _, job := range []string{"test", "deploy"} {
		je := testutil.AssertJobState(t, result, job, execution.StateSkipped)
		assert.Equal(t, execution.ExitUpstreamFailed, je.Exit.Kind)
		assert.Equal(t, "build", je.Exit.Upstream)
		assert.Empty(t, je.Steps)
	}
	assert.Empty(t, spy.Calls(), "no step of a skipped job may run")
}

// Test for: lint and unit tests run side by side, package waits for both and
// sees their outputs.
func TestCoreExecution_FanInPackage(t *testing.T) {
	t.Parallel()

	// Arrange
	pipelineHCL := `
		pipeline "lib" {}

		job "lint" {
		  runs_on = "local"
		  step "vet" {
		    run = "echo issues=0 >> $PIPEGRID_OUTPUT"
		  }
		}

		job "unit_test" {
		  runs_on = "local"
		  step "go_test" {
		    uses = "echo"
		    with = { outputs = { coverage = "81" } }
		  }
		}

		job "package" {
		  runs_on = "local"
		  needs   = ["lint", "unit_test"]
		  step "inspect" {
		    uses = "spy"
		    with = { tag = "${needs.lint.outputs.issues}/${needs.unit_test.outputs.coverage}" }
		  }
		}
	`
	spy := &testutil.SpyModule{}

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files:   map[string]string{"main.hcl": pipelineHCL},
		Entry:   "main.hcl",
		Event:   trigger.Event{Ref: "main"},
		Modules: []registry.Module{spy},
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusSucceeded, result.Run.Status)
	testutil.AssertStartedAfter(t, result, "package", "lint", "unit_test")

	call, ok := spy.CallFor("package")
	require.True(t, ok)
	assert.Equal(t, "0/81", call.Tag)
	assert.Equal(t, map[string]map[string]string{
		"lint":      {"issues": "0"},
		"unit_test": {"coverage": "81"},
	}, call.Needs)
}

// Test for: an artifact uploaded by one job is downloadable by a dependent.
func TestCoreExecution_ArtifactHandOff(t *testing.T) {
	t.Parallel()

	// Arrange
	pipelineHCL := `
		pipeline "bundle" {}

		job "build" {
		  runs_on = "local"
		  step "make" {
		    run = "mkdir -p dist && echo hello > dist/index.html"
		  }
		  step "upload" {
		    uses = "upload-artifact"
		    with = { name = "dist", path = "dist" }
		  }
		}

		job "verify" {
		  runs_on = "local"
		  needs   = ["build"]
		  step "fetch" {
		    uses = "download-artifact"
		    with = { name = "dist", path = "site" }
		  }
		  step "check" {
		    run = "grep -q hello site/index.html"
		  }
		}
	`

	// Act
	result := testutil.RunPipeline(t, testutil.Harness{
		Files: map[string]string{"main.hcl": pipelineHCL},
		Entry: "main.hcl",
		Event: trigger.Event{Ref: "main"},
	})

	// Assert
	require.NoError(t, result.Err)
	assert.Equal(t, execution.StatusSucceeded, result.Run.Status)
	verify := testutil.AssertJobState(t, result, "verify", execution.StateSucceeded)
	assert.Equal(t, "build", verify.Outputs["producer"])
	assert.NotEmpty(t, verify.Outputs["digest"])
}
