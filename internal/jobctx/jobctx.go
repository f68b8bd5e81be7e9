// Package jobctx defines the explicit execution context handed to every step
// of a job. Nothing reaches a step through globals or the host environment:
// trigger data, declared env, secrets, upstream outputs, the workspace and
// artifact access all arrive here.
package jobctx

import (
	"log/slog"
	"net/http"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/environment"
	"github.com/vk/pipegrid/internal/trigger"
)

// Context is the per-job execution context. It is never mutated after the
// runner builds it; WithStepOutputs returns a new value.
type Context struct {
	RunID       int64
	Pipeline    string
	Job         string
	Trigger     trigger.Event
	Permissions map[string]string
	// Workspace is the private directory of this job execution.
	Workspace string
	// SourceDir, when set, is the directory checkout copies sources from.
	SourceDir string
	// BaseEnv is the environment every subprocess starts from.
	BaseEnv map[string]string
	// Env is the evaluated job-level env.
	Env map[string]string
	// Secrets is empty unless the job references an environment.
	Secrets map[string]string
	// Needs holds the outputs of the direct dependencies.
	Needs       map[string]map[string]string
	Environment *environment.Resolution
	Artifacts   *artifact.Scope
	HTTP        *http.Client
	Logger      *slog.Logger
	Masker      *Masker

	steps map[string]map[string]string
}

// StepOutputs returns the outputs recorded by an earlier step.
func (c *Context) StepOutputs(step string) (map[string]string, bool) {
	out, ok := c.steps[step]
	return out, ok
}

// WithStepOutputs returns a copy of c in which step's outputs are visible.
func (c *Context) WithStepOutputs(step string, outputs map[string]string) *Context {
	next := *c
	next.steps = make(map[string]map[string]string, len(c.steps)+1)
	for k, v := range c.steps {
		next.steps[k] = v
	}
	cp := make(map[string]string, len(outputs))
	for k, v := range outputs {
		cp[k] = v
	}
	next.steps[step] = cp
	return &next
}

// ProcessEnv merges BaseEnv, the job env and extra (later wins) into the
// KEY=VALUE form used by os/exec.
func (c *Context) ProcessEnv(extra map[string]string) []string {
	merged := make(map[string]string, len(c.BaseEnv)+len(c.Env)+len(extra))
	for _, m := range []map[string]string{c.BaseEnv, c.Env, extra} {
		for k, v := range m {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
