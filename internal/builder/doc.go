// Package builder turns a format-agnostic config.Pipeline into an immutable,
// validated Definition.
//
// # Why Builder Exists
//
// A pipeline is parsed once and reused by many runs. Every structural
// problem must therefore be reported at submission time, before any run
// record exists, instead of surfacing halfway through a run:
//   - **Graph problems:** cyclic or dangling `needs`, duplicate job names
//   - **Field problems:** malformed durations, retry bounds, stub rules
//   - **Execution targets:** `runs_on` labels no provisioner serves
//   - **Steps:** unknown actions, unsupported or missing action inputs
//   - **References:** `needs.X` to a job that is not a direct need,
//     `steps.X` to a step that has not run yet, `secrets.*` in a job with
//     no environment
//
// All problems found in one pass are collected into a single
// *DefinitionError.
//
// # How It Works
//
//  1. **Validate fields:** go-playground/validator checks the tagged config
//     model, one job at a time.
//  2. **Graph:** every job becomes a dag node, every `needs` entry an edge;
//     cycles are reported with their path.
//  3. **Compile:** steps become step.Shell or step.Action values, durations
//     are parsed, stub rules compiled, required secrets collected from the
//     explicit list plus every static `secrets.NAME` traversal.
//
// The resulting Definition is safe for concurrent use by any number of
// runs.
package builder
