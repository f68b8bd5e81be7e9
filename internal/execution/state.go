// Package execution defines the per-run records the engine keeps: the Run,
// its JobExecution table, the job state machine and the error taxonomy that
// explains why a job ended the way it did.
package execution

// State is the execution state of one job within one run.
type State string

const (
	// StatePending indicates the job is waiting for its dependencies.
	StatePending State = "pending"
	// StateReady indicates every dependency Succeeded and the job is queued.
	StateReady State = "ready"
	// StateRunning indicates a worker is executing the job.
	StateRunning State = "running"
	// StateSucceeded indicates all steps completed successfully.
	StateSucceeded State = "succeeded"
	// StateFailed indicates the job ran and failed.
	StateFailed State = "failed"
	// StateSkipped indicates the job never started.
	StateSkipped State = "skipped"
)

// transitions lists the legal next states for each state.
var transitions = map[State][]State{
	StatePending: {StateReady, StateSkipped},
	StateReady:   {StateRunning, StateSkipped},
	StateRunning: {StateSucceeded, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// CanTransitionTo reports whether moving from s to next is allowed. State
// changes are one-directional.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateReady, StateRunning, StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Status is the overall status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}
