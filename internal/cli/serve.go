package cli

import (
	"github.com/spf13/cobra"
)

func newServeCommand(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control surface",
		Long:  "Serve accepts runs over HTTP until interrupted. Active runs are canceled on shutdown.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := r.newApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			if err := a.Serve(ctx); err != nil {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on")
	if err := r.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}
