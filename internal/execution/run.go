package execution

import (
	"sort"
	"time"

	"github.com/vk/pipegrid/internal/trigger"
)

// ExitKind classifies why a job ended in Failed or Skipped.
type ExitKind string

const (
	ExitNone             ExitKind = ""
	ExitStepFailure      ExitKind = "step_failure"
	ExitInfrastructure   ExitKind = "infrastructure"
	ExitTimeout          ExitKind = "timeout"
	ExitSecretResolution ExitKind = "secret_resolution"
	ExitUpstreamFailed   ExitKind = "upstream_failed"
	ExitCanceled         ExitKind = "canceled"
	ExitInternal         ExitKind = "internal"
)

// ExitDetail carries the diagnostic of a finished job.
type ExitDetail struct {
	Kind     ExitKind `json:"kind,omitempty"`
	Step     string   `json:"step,omitempty"`
	ExitCode int      `json:"exit_code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Upstream string   `json:"upstream,omitempty"`
}

// StepRecord is the outcome of one step inside a job.
type StepRecord struct {
	Name       string    `json:"name"`
	Succeeded  bool      `json:"succeeded"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Output is the masked tail of the step's combined output.
	Output string `json:"output,omitempty"`
}

// JobExecution is the per-run, per-job record.
type JobExecution struct {
	RunID      int64             `json:"run_id"`
	Job        string            `json:"job"`
	State      State             `json:"state"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	Attempts   int               `json:"attempts,omitempty"`
	Exit       ExitDetail        `json:"exit,omitzero"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Steps      []StepRecord      `json:"steps,omitempty"`
}

// Clone returns a deep copy that is safe to hand out to readers.
func (j *JobExecution) Clone() *JobExecution {
	if j == nil {
		return nil
	}
	out := *j
	if j.Outputs != nil {
		out.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			out.Outputs[k] = v
		}
	}
	out.Steps = append([]StepRecord(nil), j.Steps...)
	return &out
}

// Run is one instantiation of a pipeline for one trigger event.
type Run struct {
	ID         int64                    `json:"id"`
	Pipeline   string                   `json:"pipeline"`
	Trigger    trigger.Event            `json:"trigger"`
	Status     Status                   `json:"status"`
	CreatedAt  time.Time                `json:"created_at"`
	FinishedAt time.Time                `json:"finished_at,omitzero"`
	Jobs       map[string]*JobExecution `json:"jobs"`
	// Order lists job names in definition order.
	Order []string `json:"order"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Order = append([]string(nil), r.Order...)
	out.Jobs = make(map[string]*JobExecution, len(r.Jobs))
	for name, je := range r.Jobs {
		out.Jobs[name] = je.Clone()
	}
	return &out
}

// JobsInOrder returns the executions in definition order, falling back to
// name order for jobs missing from Order.
func (r *Run) JobsInOrder() []*JobExecution {
	seen := make(map[string]bool, len(r.Jobs))
	out := make([]*JobExecution, 0, len(r.Jobs))
	for _, name := range r.Order {
		if je, ok := r.Jobs[name]; ok {
			out = append(out, je)
			seen[name] = true
		}
	}
	var rest []string
	for name := range r.Jobs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, r.Jobs[name])
	}
	return out
}

// Result is what the job runner reports back to the scheduler.
type Result struct {
	State      State
	Exit       ExitDetail
	Err        error
	Outputs    map[string]string
	Steps      []StepRecord
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}
