package step

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// Action runs a registered action with inputs evaluated from `with`.
type Action struct {
	name   string
	uses   string
	action *registry.RegisteredAction
	with   map[string]hcl.Expression
}

// NewAction creates an action step bound to an already resolved action.
func NewAction(name, uses string, action *registry.RegisteredAction, with map[string]hcl.Expression) *Action {
	return &Action{name: name, uses: uses, action: action, with: with}
}

// Name returns the step name.
func (a *Action) Name() string { return a.name }

// Uses returns the action name.
func (a *Action) Uses() string { return a.uses }

// Run decodes the inputs and calls the action.
func (a *Action) Run(ctx context.Context, jc *jobctx.Context) Result {
	logger := ctxlog.FromContext(ctx).With("step", a.name, "uses", a.uses)
	ctx = ctxlog.WithLogger(ctx, logger)

	input, err := a.action.DecodeInput(ctx, a.with, jc.EvalContext())
	if err != nil {
		return Result{Err: fmt.Errorf("%s: %s", a.uses, jc.Masker.Mask(err.Error()))}
	}

	logger.Debug("Calling action.")
	outputs, err := a.action.Call(ctx, jc, input)
	if err != nil {
		return Result{Err: fmt.Errorf("%s: %s", a.uses, jc.Masker.Mask(err.Error()))}
	}
	return Result{Outputs: outputs}
}
