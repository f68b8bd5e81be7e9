package checkout

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/fsutil"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the checkout action.
type Input struct {
	// Path is the workspace-relative destination. Defaults to the
	// workspace root.
	Path string `hcl:"path,optional"`
}

// OnRunCheckout copies the configured source tree into the job workspace.
func OnRunCheckout(ctx context.Context, jc *jobctx.Context, input *Input) (registry.Outputs, error) {
	logger := ctxlog.FromContext(ctx)
	if jc.SourceDir == "" {
		return nil, fmt.Errorf("no source directory is configured")
	}
	if _, err := os.Stat(jc.SourceDir); err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}

	rel := input.Path
	if rel == "" {
		rel = "."
	}
	dest, err := fsutil.Within(jc.Workspace, rel)
	if err != nil {
		return nil, err
	}

	// Sources travel through the same archive format as artifacts.
	blob, err := artifact.Pack(jc.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources: %w", err)
	}
	if err := artifact.Unpack(blob, dest); err != nil {
		return nil, fmt.Errorf("failed to write sources: %w", err)
	}

	logger.Info("Checked out sources.", "ref", jc.Trigger.Ref, "sha", jc.Trigger.After, "dest", dest)
	return registry.Outputs{
		"ref":    jc.Trigger.Ref,
		"sha":    jc.Trigger.After,
		"branch": jc.Trigger.Branch(),
		"path":   rel,
	}, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("checkout", &registry.RegisteredAction{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunCheckout,
	})
}
