// Package scheduler drives one run of a pipeline definition to completion.
//
// # Why Scheduler Exists
//
// The scheduler is the single coordinating authority of a run. It decides
// which jobs may start, hands them to a bounded worker pool and reacts to
// their completion, while the jobs themselves share no memory:
//   - **Readiness:** a job is ready once every job it needs has Succeeded
//   - **Durability:** every transition is recorded in the ledger before the
//     scheduler acts on it, so a dependent starts strictly after the
//     durable success of its needs
//   - **Failure isolation:** a failed job skips its not-yet-started
//     transitive dependents; running jobs and unrelated branches continue
//   - **Termination:** the run ends exactly when every job is terminal
//
// # How It Works
//
//  1. Mark the run Running and seed the ready set with jobs that need nothing.
//  2. Record Ready, then Running, and dispatch to the errgroup worker pool.
//  3. On each completion, record the terminal state, then either release
//     the dependents (Succeeded) or skip the downstream closure (Failed).
//  4. When the context is canceled, skip everything not yet started; running
//     jobs observe the cancellation and fail.
//  5. Record the final run status: Succeeded iff every job Succeeded.
package scheduler
