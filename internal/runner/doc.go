// Package runner executes a single job: it provisions an isolated
// workspace, builds the job's explicit execution context, runs the steps in
// order and, when every step succeeds, publishes staged artifacts and
// records the environment deployment.
//
// The runner never touches the run ledger; it reports an execution.Result
// and leaves state transitions to the scheduler.
package runner
