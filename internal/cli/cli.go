package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vk/pipegrid/internal/app"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitRejected = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitRejected, Message: fmt.Sprintf(format, args...)}
}

// root carries state shared by every subcommand.
type root struct {
	v          *viper.Viper
	configPath string
	outW       io.Writer
	logW       io.Writer
	opts       []app.Option
}

// NewRootCommand builds the pipegrid command tree. Results go to outW and
// logs to logW.
func NewRootCommand(outW, logW io.Writer, opts ...app.Option) *cobra.Command {
	r := &root{v: app.NewViper(), outW: outW, logW: logW, opts: opts}

	cmd := &cobra.Command{
		Use:           "pipegrid",
		Short:         "pipegrid runs staged CI/CD pipelines",
		Long:          "pipegrid executes pipeline definitions (HCL or GitHub-Actions-style YAML) as a graph of jobs, with artifacts, environments and secrets scoped to each run.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(outW)
	cmd.SetErr(logW)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&r.configPath, "config", "", "Path to the config file (default: pipegrid.yaml in . or ./config)")
	flags.String("log-level", "info", "Logging level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.Int("workers", 4, "Number of jobs that may run at once")
	flags.String("store", "memory", "Run ledger backend: memory or sqlite")
	flags.String("store-path", "pipegrid.db", "SQLite database path")
	flags.String("workdir", "", "Root directory for job workspaces")
	flags.String("source-dir", "", "Directory the checkout action copies from")

	for key, flag := range map[string]string{
		"log.level":    "log-level",
		"log.format":   "log-format",
		"workers":      "workers",
		"store.driver": "store",
		"store.path":   "store-path",
		"workdir":      "workdir",
		"source_dir":   "source-dir",
	} {
		if err := r.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}

	cmd.AddCommand(
		newRunCommand(r),
		newValidateCommand(r),
		newStatusCommand(r),
		newServeCommand(r),
	)
	return cmd
}

// newApp loads the configuration and wires an App. The caller closes it.
func (r *root) newApp(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(r.v, r.configPath)
	if err != nil {
		return nil, usageError("%v", err)
	}
	a, err := app.NewApp(ctx, r.logW, cfg, r.opts...)
	if err != nil {
		return nil, &ExitError{Code: ExitFailed, Message: err.Error()}
	}
	return a, nil
}

func closeApp(ctx context.Context, a *app.App) {
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		a.Logger().Warn("Failed to close application cleanly.", "error", err)
	}
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError("%v\n\n%s", err, cmd.UsageString())
		}
		return nil
	}
}

// Execute runs the command line. A nil error means exit code 0; any other
// error is an *ExitError.
func Execute(ctx context.Context, args []string, outW, logW io.Writer, opts ...app.Option) error {
	cmd := NewRootCommand(outW, logW, opts...)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	// Unknown commands and other cobra parse failures.
	return usageError("%v", err)
}
