// This file contains the logic for translating HCL schema structs into the
// format-agnostic model defined in the config package.

package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
)

// translatePipeline copies the pipeline header into the model.
func (l *Loader) translatePipeline(p *pipelineBlock, model *config.Pipeline) {
	model.Name = p.Name
	model.Permissions = p.Permissions
	if p.On != nil {
		model.On = &config.On{Events: p.On.Events, Branches: p.On.Branches}
	}
}

// translateJob converts the HCL-specific job schema into the agnostic model.
func (l *Loader) translateJob(ctx context.Context, j *jobBlock) (*config.Job, error) {
	logger := ctxlog.FromContext(ctx).With("job", j.Name)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Translating HCL job to internal config model.", "steps", len(j.Steps))

	env, err := exprMap(ctx, j.Env, "env")
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", j.Name, err)
	}

	job := &config.Job{
		Name:           j.Name,
		RunsOn:         j.RunsOn,
		Needs:          j.Needs,
		Environment:    j.Environment,
		EnvironmentURL: optionalExpr(ctx, j.EnvironmentURL, "environment_url"),
		Timeout:        j.Timeout,
		Env:            env,
		Secrets:        j.Secrets,
	}

	if j.Retry != nil {
		job.Retry = &config.Retry{Attempts: j.Retry.Attempts}
		if b := j.Retry.Backoff; b != nil {
			job.Retry.Initial = b.Initial
			job.Retry.Factor = b.Factor
			job.Retry.Max = b.Max
		}
	}

	if j.Intercept != nil {
		job.Intercept = &config.Intercept{Strict: j.Intercept.Strict}
		for _, r := range j.Intercept.Rules {
			job.Intercept.Rules = append(job.Intercept.Rules, &config.InterceptRule{
				Method:  r.Method,
				URL:     r.URL,
				Status:  r.Status,
				Body:    r.Body,
				Headers: r.Headers,
			})
		}
	}

	for _, s := range j.Steps {
		step, err := l.translateStep(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

// translateStep converts the HCL-specific step schema into the agnostic model.
func (l *Loader) translateStep(ctx context.Context, s *stepBlock) (*config.Step, error) {
	with, err := exprMap(ctx, s.With, "with")
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.Name, err)
	}
	env, err := exprMap(ctx, s.Env, "env")
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return &config.Step{
		Name: s.Name,
		Run:  optionalExpr(ctx, s.Run, "run"),
		Uses: s.Uses,
		With: with,
		Env:  env,
	}, nil
}
