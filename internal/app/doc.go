// Package app wires the engine together: it reads the viper-backed
// configuration, builds the logger, opens the run ledger, registers the
// built-in actions and creates the runner, coordinator and event feed.
// Entry points such as the CLI drive it through Run, Validate, Status and
// Serve.
package app
