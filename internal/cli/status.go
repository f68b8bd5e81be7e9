package cli

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vk/pipegrid/internal/store"
)

func newStatusCommand(r *root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the recorded state of a run",
		Long: `Status prints a run from the run ledger. Only the sqlite store keeps
runs across invocations, so status is used with --store sqlite.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return usageError("invalid run id %q", args[0])
			}

			ctx := cmd.Context()
			a, err := r.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			run, err := a.Status(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return &ExitError{Code: ExitFailed, Message: "run " + args[0] + " not found"}
			}
			if err != nil {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}

			if asJSON {
				enc := json.NewEncoder(r.outW)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			printRun(r.outW, run)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON")
	return cmd
}
