package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot is used to decode all top-level blocks from any file.
type fileRoot struct {
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
	Jobs      []*jobBlock      `hcl:"job,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type pipelineBlock struct {
	Name        string            `hcl:"name,label"`
	On          *onBlock          `hcl:"on,block"`
	Permissions map[string]string `hcl:"permissions,optional"`
}

type onBlock struct {
	Events   []string `hcl:"events,optional"`
	Branches []string `hcl:"branches,optional"`
}

type jobBlock struct {
	Name           string          `hcl:"name,label"`
	RunsOn         string          `hcl:"runs_on"`
	Needs          []string        `hcl:"needs,optional"`
	Environment    string          `hcl:"environment,optional"`
	EnvironmentURL hcl.Expression  `hcl:"environment_url,optional"`
	Timeout        string          `hcl:"timeout,optional"`
	Env            hcl.Expression  `hcl:"env,optional"`
	Secrets        []string        `hcl:"secrets,optional"`
	Retry          *retryBlock     `hcl:"retry,block"`
	Intercept      *interceptBlock `hcl:"intercept,block"`
	Steps          []*stepBlock    `hcl:"step,block"`
}

type retryBlock struct {
	Attempts int           `hcl:"attempts"`
	Backoff  *backoffBlock `hcl:"backoff,block"`
}

type backoffBlock struct {
	Initial string  `hcl:"initial,optional"`
	Factor  float64 `hcl:"factor,optional"`
	Max     string  `hcl:"max,optional"`
}

type interceptBlock struct {
	Strict bool         `hcl:"strict,optional"`
	Rules  []*ruleBlock `hcl:"rule,block"`
}

type ruleBlock struct {
	Method  string            `hcl:"method,optional"`
	URL     string            `hcl:"url"`
	Status  int               `hcl:"status,optional"`
	Body    string            `hcl:"body,optional"`
	Headers map[string]string `hcl:"headers,optional"`
}

type stepBlock struct {
	Name string         `hcl:"name,label"`
	Run  hcl.Expression `hcl:"run,optional"`
	Uses string         `hcl:"uses,optional"`
	With hcl.Expression `hcl:"with,optional"`
	Env  hcl.Expression `hcl:"env,optional"`
}
