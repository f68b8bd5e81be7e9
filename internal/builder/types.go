package builder

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/step"
	"github.com/vk/pipegrid/internal/stub"
	"github.com/vk/pipegrid/internal/trigger"
)

// Definition is a validated, immutable pipeline.
type Definition struct {
	Name        string
	Source      string
	On          trigger.Filter
	Permissions map[string]string
	// Jobs are in source order.
	Jobs []*Job
	// Order is a topological order of the job names.
	Order []string
	Graph *dag.Graph

	byName map[string]*Job
}

// Job returns the job with the given name.
func (d *Definition) Job(name string) (*Job, bool) {
	j, ok := d.byName[name]
	return j, ok
}

// JobNames returns the job names in source order.
func (d *Definition) JobNames() []string {
	names := make([]string, len(d.Jobs))
	for i, j := range d.Jobs {
		names[i] = j.Name
	}
	return names
}

// Job is one compiled job.
type Job struct {
	Name   string
	RunsOn string
	// Needs are the direct dependencies.
	Needs []string
	// Upstream is the transitive closure of Needs.
	Upstream       []string
	Environment    string
	EnvironmentURL hcl.Expression
	// Timeout is zero when the job is unbounded.
	Timeout time.Duration
	Env     map[string]hcl.Expression
	// RequiredSecrets is the explicit secrets list plus every secret the
	// job's expressions reference, sorted.
	RequiredSecrets []string
	Retry           *RetryPolicy
	// Intercept is nil when the job declares no stub rules.
	Intercept *stub.Config
	Steps     []step.Step
}

// RetryPolicy retries infrastructure failures with exponential backoff.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Initial  time.Duration
	Factor   float64
	Max      time.Duration
}

const (
	defaultInitialBackoff = time.Second
	defaultBackoffFactor  = 2
)

// Backoff returns the delay before retry number n (1-based).
func (p *RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	factor := p.Factor
	if factor < 1 {
		factor = defaultBackoffFactor
	}
	d := float64(initial) * math.Pow(factor, float64(n-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DefinitionError lists every problem found while building a definition.
type DefinitionError struct {
	Pipeline string
	Problems []string
}

func (e *DefinitionError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("pipeline %q is invalid: %s", e.Pipeline, e.Problems[0])
	}
	return fmt.Sprintf("pipeline %q is invalid:\n- %s", e.Pipeline, strings.Join(e.Problems, "\n- "))
}
