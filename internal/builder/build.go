package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/step"
	"github.com/vk/pipegrid/internal/stub"
	"github.com/vk/pipegrid/internal/trigger"
)

// Options supplies what the builder checks a pipeline against.
type Options struct {
	// Registry resolves `uses` references. A nil registry knows no actions.
	Registry *registry.Registry
	// Labels are the runs_on labels served by the configured provisioners.
	// A nil slice disables the check.
	Labels []string
}

// Build validates p and compiles it into a Definition. Every problem found
// is reported together in a *DefinitionError.
func Build(ctx context.Context, p *config.Pipeline, opts Options) (*Definition, error) {
	logger := ctxlog.FromContext(ctx)
	if p == nil {
		return nil, &DefinitionError{Problems: []string{"no pipeline"}}
	}
	logger.Debug("Build: Starting definition construction.", "pipeline", p.Name, "jobs", len(p.Jobs))

	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, msg := range structProblems(p) {
		report("pipeline: %s", msg)
	}
	if len(p.Jobs) == 0 {
		report("pipeline declares no jobs")
	}

	def := &Definition{
		Name:        p.Name,
		Source:      p.Source,
		Permissions: copyStrings(p.Permissions),
		Graph:       dag.New(),
		byName:      make(map[string]*Job, len(p.Jobs)),
	}
	if p.On != nil {
		def.On = trigger.Filter{Events: p.On.Events, Branches: p.On.Branches}
	}

	labels := make(map[string]bool, len(opts.Labels))
	for _, l := range opts.Labels {
		labels[l] = true
	}

	// First pass: nodes and per-job compilation.
	for _, cj := range p.Jobs {
		if cj == nil {
			continue
		}
		if _, dup := def.byName[cj.Name]; dup {
			report("duplicate job %q", cj.Name)
			continue
		}
		job, jobProblems := compileJob(cj, opts.Registry)
		for _, msg := range jobProblems {
			report("job %q: %s", cj.Name, msg)
		}
		if opts.Labels != nil && cj.RunsOn != "" && !labels[cj.RunsOn] {
			report("job %q: runs_on label %q is not served by any runner (known: %v)", cj.Name, cj.RunsOn, opts.Labels)
		}
		def.byName[cj.Name] = job
		def.Jobs = append(def.Jobs, job)
		def.Graph.AddNode(cj.Name)
	}
	logger.Debug("Build: Job compilation complete.", "job_count", len(def.Jobs))

	// Second pass: link needs.
	for _, job := range def.Jobs {
		for _, need := range job.Needs {
			if need == job.Name {
				report("job %q needs itself", job.Name)
				continue
			}
			if _, ok := def.byName[need]; !ok {
				report("job %q needs undeclared job %q", job.Name, need)
				continue
			}
			if err := def.Graph.AddEdge(need, job.Name); err != nil {
				report("job %q: %v", job.Name, err)
			}
		}
	}
	logger.Debug("Build: Dependency linking complete.")

	// Final validation: cycle detection.
	if err := def.Graph.DetectCycles(); err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			report("needs form a cycle: %s", strings.Join(cycle.Path, " -> "))
		} else {
			report("%v", err)
		}
	}

	if len(problems) > 0 {
		logger.Debug("Build: Definition rejected.", "problems", len(problems))
		return nil, &DefinitionError{Pipeline: p.Name, Problems: problems}
	}

	order, err := def.Graph.TopologicalOrder()
	if err != nil {
		return nil, &DefinitionError{Pipeline: p.Name, Problems: []string{err.Error()}}
	}
	def.Order = order
	for _, job := range def.Jobs {
		job.Upstream, _ = def.Graph.TransitiveDependencies(job.Name)
	}

	logger.Info("Build: Definition construction successful.", "pipeline", def.Name, "jobs", len(def.Jobs))
	return def, nil
}

func compileJob(cj *config.Job, reg *registry.Registry) (*Job, []string) {
	problems := structProblems(cj)

	job := &Job{
		Name:           cj.Name,
		RunsOn:         cj.RunsOn,
		Needs:          dedupe(cj.Needs),
		Environment:    cj.Environment,
		EnvironmentURL: cj.EnvironmentURL,
		Env:            cj.Env,
	}

	if cj.Timeout != "" {
		if d, err := time.ParseDuration(cj.Timeout); err == nil {
			job.Timeout = d
		}
	}
	if cj.Retry != nil {
		job.Retry = &RetryPolicy{Attempts: cj.Retry.Attempts, Factor: cj.Retry.Factor}
		job.Retry.Initial, _ = time.ParseDuration(cj.Retry.Initial)
		job.Retry.Max, _ = time.ParseDuration(cj.Retry.Max)
	}
	if cj.Intercept != nil {
		cfg := &stub.Config{Strict: cj.Intercept.Strict}
		for _, r := range cj.Intercept.Rules {
			if r == nil {
				continue
			}
			cfg.Rules = append(cfg.Rules, stub.Rule{
				Method:  r.Method,
				URL:     r.URL,
				Status:  r.Status,
				Body:    r.Body,
				Headers: r.Headers,
			})
		}
		if err := cfg.Compile(); err != nil {
			problems = append(problems, fmt.Sprintf("intercept: %v", err))
		}
		job.Intercept = cfg
	}
	if cj.EnvironmentURL != nil && cj.Environment == "" {
		problems = append(problems, "environment_url requires an environment")
	}

	seenSteps := make(map[string]bool, len(cj.Steps))
	for _, cs := range cj.Steps {
		if cs == nil {
			continue
		}
		if seenSteps[cs.Name] {
			problems = append(problems, fmt.Sprintf("duplicate step %q", cs.Name))
			continue
		}
		seenSteps[cs.Name] = true

		s, stepProblems := compileStep(cs, reg)
		for _, msg := range stepProblems {
			problems = append(problems, fmt.Sprintf("step %q: %s", cs.Name, msg))
		}
		if s != nil {
			job.Steps = append(job.Steps, s)
		}
	}

	used, refProblems := checkReferences(cj)
	problems = append(problems, refProblems...)
	job.RequiredSecrets = union(cj.Secrets, used)
	if len(cj.Secrets) > 0 && cj.Environment == "" {
		problems = append(problems, "secrets require an environment")
	}

	return job, problems
}

func compileStep(cs *config.Step, reg *registry.Registry) (step.Step, []string) {
	switch {
	case cs.Run != nil && cs.Uses != "":
		return nil, []string{"declares both run and uses"}
	case cs.Run != nil:
		if len(cs.With) > 0 {
			return nil, []string{"with is only valid for uses steps"}
		}
		return step.NewShell(cs.Name, cs.Run, cs.Env), nil
	case cs.Uses != "":
		var action *registry.RegisteredAction
		ok := false
		if reg != nil {
			action, ok = reg.Action(cs.Uses)
		}
		if !ok {
			var known []string
			if reg != nil {
				known = reg.Names()
			}
			return nil, []string{fmt.Sprintf("unknown action %q (known: %v)", cs.Uses, known)}
		}
		if len(cs.Env) > 0 {
			return nil, []string{"env is only valid for run steps"}
		}
		if problems := action.CheckInputs(cs.With); len(problems) > 0 {
			return nil, problems
		}
		return step.NewAction(cs.Name, cs.Uses, action, cs.With), nil
	default:
		return nil, []string{"declares neither run nor uses"}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
