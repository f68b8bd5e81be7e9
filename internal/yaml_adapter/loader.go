// Package yaml_adapter loads GitHub-Actions-style YAML workflows into the
// format-agnostic config model. Documents are checked against an embedded
// JSON schema before translation, and `${{ expr }}` placeholders are compiled
// into the same HCL expressions the HCL loader produces.
package yaml_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/ctxlog"
	"gopkg.in/yaml.v3"
)

// Loader is the YAML-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new YAML workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

type workflow struct {
	Name        string            `yaml:"name"`
	On          yaml.Node         `yaml:"on"`
	Permissions map[string]string `yaml:"permissions"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

type jobSpec struct {
	RunsOn         string          `yaml:"runs-on"`
	Needs          stringList      `yaml:"needs"`
	Environment    environmentSpec `yaml:"environment"`
	TimeoutMinutes float64         `yaml:"timeout-minutes"`
	Timeout        string          `yaml:"timeout"`
	Env            yaml.Node       `yaml:"env"`
	Secrets        []string        `yaml:"secrets"`
	Retry          *retrySpec      `yaml:"retry"`
	Intercept      *interceptSpec  `yaml:"intercept"`
	Steps          []stepSpec      `yaml:"steps"`
}

type retrySpec struct {
	Attempts int     `yaml:"attempts"`
	Initial  string  `yaml:"initial"`
	Factor   float64 `yaml:"factor"`
	Max      string  `yaml:"max"`
}

type interceptSpec struct {
	Strict bool       `yaml:"strict"`
	Rules  []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

type stepSpec struct {
	ID   string    `yaml:"id"`
	Name string    `yaml:"name"`
	Run  yaml.Node `yaml:"run"`
	Uses string    `yaml:"uses"`
	With yaml.Node `yaml:"with"`
	Env  yaml.Node `yaml:"env"`
}

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = stringList{n.Value}
		return nil
	}
	var list []string
	if err := n.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// environmentSpec accepts `environment: prod` or `environment: {name, url}`.
type environmentSpec struct {
	Name string
	URL  *yaml.Node
}

func (e *environmentSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		e.Name = n.Value
		return nil
	}
	var raw struct {
		Name string    `yaml:"name"`
		URL  yaml.Node `yaml:"url"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	e.Name = raw.Name
	if raw.URL.Kind != 0 {
		e.URL = &raw.URL
	}
	return nil
}

// Load reads a workflow file from disk.
func (l *Loader) Load(ctx context.Context, path string) (*config.Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading workflow %s: %w", path, err)
	}
	return l.Parse(ctx, path, src)
}

// Parse validates and translates a YAML workflow document.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte) (*config.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "file", filename)

	var generic any
	if err := yaml.Unmarshal(src, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file %s: %w", filename, err)
	}
	if err := validateDocument(filename, jsonCompatible(generic)); err != nil {
		return nil, err
	}

	var wf workflow
	if err := yaml.Unmarshal(src, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", filename, err)
	}

	model := &config.Pipeline{
		Name:        wf.Name,
		Source:      filename,
		Permissions: wf.Permissions,
	}
	if model.Name == "" {
		base := filepath.Base(filename)
		model.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	on, err := translateOn(&wf.On)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	model.On = on

	// Mapping node content alternates key, value; iterating it keeps the
	// jobs in source order.
	for i := 0; i+1 < len(wf.Jobs.Content); i += 2 {
		name := wf.Jobs.Content[i].Value
		var spec jobSpec
		if err := wf.Jobs.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("%s: job %q: %w", filename, name, err)
		}
		job, err := translateJob(filename, name, &spec)
		if err != nil {
			return nil, fmt.Errorf("%s: job %q: %w", filename, name, err)
		}
		model.Jobs = append(model.Jobs, job)
	}

	logger.Debug("YAML loading complete.", "pipeline", model.Name, "jobs", len(model.Jobs))
	return model, nil
}

// translateOn handles the string, list and mapping forms of `on`.
func translateOn(n *yaml.Node) (*config.On, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		return &config.On{Events: []string{n.Value}}, nil
	case yaml.SequenceNode:
		var events []string
		if err := n.Decode(&events); err != nil {
			return nil, fmt.Errorf("on: %w", err)
		}
		return &config.On{Events: events}, nil
	case yaml.MappingNode:
		on := &config.On{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			on.Events = append(on.Events, n.Content[i].Value)
			var filter struct {
				Branches []string `yaml:"branches"`
			}
			if err := n.Content[i+1].Decode(&filter); err != nil {
				return nil, fmt.Errorf("on.%s: %w", n.Content[i].Value, err)
			}
			on.Branches = append(on.Branches, filter.Branches...)
		}
		return on, nil
	}
	return nil, fmt.Errorf("on: unsupported form")
}

func translateJob(file, name string, spec *jobSpec) (*config.Job, error) {
	env, err := exprMap(file, &spec.Env)
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}

	job := &config.Job{
		Name:        name,
		RunsOn:      spec.RunsOn,
		Needs:       spec.Needs,
		Environment: spec.Environment.Name,
		Timeout:     spec.Timeout,
		Env:         env,
		Secrets:     spec.Secrets,
	}
	if spec.TimeoutMinutes > 0 {
		job.Timeout = time.Duration(spec.TimeoutMinutes * float64(time.Minute)).String()
	}
	if spec.Environment.URL != nil {
		job.EnvironmentURL, err = nodeExpr(file, spec.Environment.URL)
		if err != nil {
			return nil, fmt.Errorf("environment.url: %w", err)
		}
	}
	if spec.Retry != nil {
		job.Retry = &config.Retry{
			Attempts: spec.Retry.Attempts,
			Initial:  spec.Retry.Initial,
			Factor:   spec.Retry.Factor,
			Max:      spec.Retry.Max,
		}
	}
	if spec.Intercept != nil {
		job.Intercept = &config.Intercept{Strict: spec.Intercept.Strict}
		for _, r := range spec.Intercept.Rules {
			job.Intercept.Rules = append(job.Intercept.Rules, &config.InterceptRule{
				Method:  r.Method,
				URL:     r.URL,
				Status:  r.Status,
				Body:    r.Body,
				Headers: r.Headers,
			})
		}
	}

	for i := range spec.Steps {
		step, err := translateStep(file, i, &spec.Steps[i])
		if err != nil {
			return nil, err
		}
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

func translateStep(file string, index int, s *stepSpec) (*config.Step, error) {
	name := s.ID
	if name == "" {
		name = s.Name
	}
	if name == "" {
		name = fmt.Sprintf("step-%d", index+1)
	}

	step := &config.Step{Name: name, Uses: s.Uses}
	var err error
	if s.Run.Kind != 0 {
		if step.Run, err = nodeExpr(file, &s.Run); err != nil {
			return nil, fmt.Errorf("step %q: run: %w", name, err)
		}
	}
	if step.With, err = exprMap(file, &s.With); err != nil {
		return nil, fmt.Errorf("step %q: with: %w", name, err)
	}
	if step.Env, err = exprMap(file, &s.Env); err != nil {
		return nil, fmt.Errorf("step %q: env: %w", name, err)
	}
	return step, nil
}
