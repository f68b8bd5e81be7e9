package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a ledger update would move a job
// backwards or sideways in its state machine.
var ErrIllegalTransition = errors.New("illegal job state transition")

// StepFailure means a step of the job returned an error or a non-zero exit.
type StepFailure struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("step %q failed with exit code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// InfrastructureError means the execution context for a job could not be
// provisioned. It is the only error kind eligible for retries.
type InfrastructureError struct {
	RunsOn string
	Err    error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("provisioning %q execution context: %v", e.RunsOn, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// TimeoutError means the job exceeded its configured bound.
type TimeoutError struct {
	Job     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %q exceeded its timeout of %s", e.Job, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// SecretResolutionError means the environment a job references, or one of
// its required secrets, could not be resolved.
type SecretResolutionError struct {
	Environment string
	Secret      string
	Reason      string
}

func (e *SecretResolutionError) Error() string {
	if e.Secret != "" {
		return fmt.Sprintf("environment %q: secret %q: %s", e.Environment, e.Secret, e.Reason)
	}
	return fmt.Sprintf("environment %q: %s", e.Environment, e.Reason)
}

// DetailFromError maps an error returned by job execution to its exit detail.
func DetailFromError(err error) ExitDetail {
	if err == nil {
		return ExitDetail{}
	}
	var (
		stepErr    *StepFailure
		infraErr   *InfrastructureError
		timeoutErr *TimeoutError
		secretErr  *SecretResolutionError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return ExitDetail{Kind: ExitTimeout, Message: err.Error()}
	case errors.As(err, &secretErr):
		return ExitDetail{Kind: ExitSecretResolution, Message: err.Error()}
	case errors.As(err, &infraErr):
		return ExitDetail{Kind: ExitInfrastructure, Message: err.Error()}
	case errors.As(err, &stepErr):
		return ExitDetail{Kind: ExitStepFailure, Step: stepErr.Step, ExitCode: stepErr.ExitCode, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return ExitDetail{Kind: ExitCanceled, Message: err.Error()}
	default:
		return ExitDetail{Kind: ExitInternal, Message: err.Error()}
	}
}
