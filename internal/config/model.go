package config

import "github.com/hashicorp/hcl/v2"

// Pipeline is the format-agnostic representation of a pipeline definition.
type Pipeline struct {
	Name        string `validate:"required"`
	Source      string
	On          *On
	Permissions map[string]string `validate:"dive,oneof=read write none"`
	// Jobs are kept in source order.
	Jobs []*Job `validate:"-"`
}

// On describes which trigger events start a run.
type On struct {
	Events   []string
	Branches []string
}

// Job is the format-agnostic representation of a `job` block.
type Job struct {
	Name           string         `validate:"required,identifier"`
	RunsOn         string         `validate:"required"`
	Needs          []string       `validate:"dive,required"`
	Environment    string         `validate:"omitempty,identifier"`
	EnvironmentURL hcl.Expression `validate:"-"`
	// Timeout is a Go duration string; empty means unbounded.
	Timeout   string                    `validate:"omitempty,duration"`
	Env       map[string]hcl.Expression `validate:"-"`
	Secrets   []string                  `validate:"dive,required,secret_name"`
	Retry     *Retry
	Intercept *Intercept
	Steps     []*Step `validate:"required,min=1,dive,required"`
}

// Step is either an inline command (Run) or an action reference (Uses).
type Step struct {
	Name string                    `validate:"required"`
	Run  hcl.Expression            `validate:"-"`
	Uses string
	With map[string]hcl.Expression `validate:"-"`
	Env  map[string]hcl.Expression `validate:"-"`
}

// Retry is the opt-in retry policy for infrastructure failures.
type Retry struct {
	Attempts int     `validate:"gte=1,lte=10"`
	Initial  string  `validate:"omitempty,duration"`
	Factor   float64 `validate:"omitempty,gte=1"`
	Max      string  `validate:"omitempty,duration"`
}

// Intercept declares the outbound HTTP stub rules of a job.
type Intercept struct {
	Strict bool
	Rules  []*InterceptRule `validate:"dive,required"`
}

// InterceptRule is one fixed response keyed by method and URL pattern.
type InterceptRule struct {
	Method  string
	URL     string `validate:"required"`
	Status  int    `validate:"omitempty,gte=100,lte=599"`
	Body    string
	Headers map[string]string
}
