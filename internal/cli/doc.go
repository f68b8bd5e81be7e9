// Package cli is the command-line surface of pipegrid. It builds the cobra
// command tree, binds flags to the viper configuration and maps run
// outcomes and user errors to process exit codes through ExitError.
package cli
