package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/pipegrid/internal/app"
	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/coordinator"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/trigger"
)

func newRunCommand(r *root) *cobra.Command {
	var event trigger.Event

	cmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run a pipeline and wait for it to finish",
		Long: `Run executes the pipeline at PIPELINE (an .hcl file, a directory of .hcl
files, or a .yml/.yaml workflow) for one trigger event.

Exit codes: 0 the run succeeded, 1 the run failed, 2 the definition was
rejected.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := r.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			if _, err := a.Validate(ctx, args[0]); err != nil {
				return rejection(err)
			}

			run, err := a.Run(ctx, args[0], event)
			switch {
			case errors.Is(err, coordinator.ErrNotTriggered):
				fmt.Fprintf(r.outW, "Event does not match the pipeline trigger filter; nothing to run.\n")
				return nil
			case err != nil:
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}

			printRun(r.outW, run)
			if run.Status != execution.StatusSucceeded {
				return &ExitError{Code: ExitFailed, Message: fmt.Sprintf("run %d %s", run.ID, run.Status)}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&event.Name, "event", "push", "Trigger event name")
	flags.StringVar(&event.Ref, "ref", "refs/heads/main", "Git ref the event refers to")
	flags.StringVar(&event.Before, "before", "", "Commit before the event")
	flags.StringVar(&event.After, "after", "", "Commit after the event")
	flags.StringVar(&event.Actor, "actor", "", "Who triggered the event")
	return cmd
}

func newValidateCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PIPELINE",
		Short: "Check a pipeline definition without running it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := r.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			def, err := a.Validate(ctx, args[0])
			if err != nil {
				return rejection(err)
			}
			order, err := def.Graph.TopologicalOrder()
			if err != nil {
				return rejection(err)
			}
			fmt.Fprintf(r.outW, "Pipeline %q is valid: %d jobs (%s)\n", def.Name, len(def.Jobs), strings.Join(order, " -> "))
			return nil
		},
	}
}

// rejection maps a definition that cannot be loaded or built to exit code 2.
func rejection(err error) *ExitError {
	var defErr *builder.DefinitionError
	if errors.As(err, &defErr) {
		return &ExitError{Code: ExitRejected, Message: defErr.Error()}
	}
	if errors.Is(err, app.ErrUnknownFormat) {
		return usageError("%v (use .hcl, .yml or .yaml)", err)
	}
	return usageError("failed to load pipeline: %v", err)
}
