// Package step defines the polymorphic unit of work inside a job. A step is
// either an inline shell command or a registered action; the runner treats
// both through the same interface.
package step

import (
	"context"

	"github.com/vk/pipegrid/internal/jobctx"
)

// Step is a single ordered unit of work within a job.
type Step interface {
	Name() string
	Run(ctx context.Context, jc *jobctx.Context) Result
}

// Result is what a step reports back to the runner.
type Result struct {
	// Outputs are exposed to later steps as steps.<name>.outputs.
	Outputs map[string]string
	// ExitCode is the process exit status for shell steps; 0 otherwise
	// unless the step failed before it could report one.
	ExitCode int
	// Output is the masked tail of combined stdout and stderr.
	Output string
	// Err is non-nil when the step failed.
	Err error
}

// Failed reports whether the step failed.
func (r Result) Failed() bool {
	return r.Err != nil
}
