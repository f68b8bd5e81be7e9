package echo

import (
	"context"
	"sort"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the echo action.
type Input struct {
	Message string            `hcl:"message,optional"`
	Outputs map[string]string `hcl:"outputs,optional"`
}

// OnRunEcho logs the message and every output, then returns the outputs
// unchanged. Secrets are masked before anything is logged.
func OnRunEcho(ctx context.Context, jc *jobctx.Context, input *Input) (registry.Outputs, error) {
	logger := ctxlog.FromContext(ctx)
	if input.Message != "" {
		logger.Info(jc.Masker.Mask(input.Message))
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(input.Outputs))
	for k := range input.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(registry.Outputs, len(keys))
	for _, k := range keys {
		logger.Info("Output", "key", k, "value", jc.Masker.Mask(input.Outputs[k]))
		out[k] = input.Outputs[k]
	}
	return out, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("echo", &registry.RegisteredAction{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunEcho,
	})
}
