package hcl_adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const sitePipeline = `
pipeline "site" {
  on {
    branches = ["main", "release/*"]
  }
  permissions = { contents = "read" }
}

job "build" {
  runs_on = "local"
  timeout = "10m"
  env     = { NODE_ENV = "production" }

  retry {
    attempts = 3
    backoff {
      initial = "1s"
      factor  = 2
      max     = "30s"
    }
  }

  step "install" {
    run = "npm ci"
  }

  step "upload" {
    uses = "upload-artifact"
    with = { name = "dist", path = "dist" }
  }
}

job "deploy" {
  runs_on         = "local"
  needs           = ["build"]
  environment     = "prod"
  environment_url = steps.publish.outputs.url

  intercept {
    strict = true
    rule {
      method = "GET"
      url    = "*/api/*"
      status = 200
      body   = "{}"
    }
  }

  step "publish" {
    uses = "deploy"
    with = { artifact = "dist", token = secrets.DEPLOY_TOKEN }
  }
}
`

func TestLoader_Parse(t *testing.T) {
	p, err := NewLoader().Parse(context.Background(), "site.hcl", []byte(sitePipeline))
	require.NoError(t, err)

	assert.Equal(t, "site", p.Name)
	require.NotNil(t, p.On)
	assert.Equal(t, []string{"main", "release/*"}, p.On.Branches)
	assert.Equal(t, map[string]string{"contents": "read"}, p.Permissions)
	require.Len(t, p.Jobs, 2)

	build := p.Jobs[0]
	assert.Equal(t, "build", build.Name)
	assert.Equal(t, "local", build.RunsOn)
	assert.Equal(t, "10m", build.Timeout)
	assert.Nil(t, build.EnvironmentURL)
	require.NotNil(t, build.Retry)
	assert.Equal(t, 3, build.Retry.Attempts)
	assert.Equal(t, "1s", build.Retry.Initial)
	assert.Equal(t, 2.0, build.Retry.Factor)
	assert.Equal(t, "30s", build.Retry.Max)

	v, diags := build.Env["NODE_ENV"].Value(nil)
	require.False(t, diags.HasErrors())
	assert.Equal(t, cty.StringVal("production"), v)

	require.Len(t, build.Steps, 2)
	assert.NotNil(t, build.Steps[0].Run)
	assert.Empty(t, build.Steps[0].Uses)
	assert.Nil(t, build.Steps[1].Run)
	assert.Equal(t, "upload-artifact", build.Steps[1].Uses)
	assert.Contains(t, build.Steps[1].With, "name")
	assert.Contains(t, build.Steps[1].With, "path")

	deploy := p.Jobs[1]
	assert.Equal(t, []string{"build"}, deploy.Needs)
	assert.Equal(t, "prod", deploy.Environment)
	require.NotNil(t, deploy.EnvironmentURL)
	require.NotNil(t, deploy.Intercept)
	assert.True(t, deploy.Intercept.Strict)
	require.Len(t, deploy.Intercept.Rules, 1)
	assert.Equal(t, "*/api/*", deploy.Intercept.Rules[0].URL)

	token := deploy.Steps[0].With["token"]
	require.NotNil(t, token)
	vars := token.Variables()
	require.Len(t, vars, 1)
	assert.Equal(t, "secrets", vars[0].RootName())
	assert.Equal(t, "DEPLOY_TOKEN", vars[0][1].(hcl.TraverseAttr).Name)
}

func TestLoader_LoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`
job "lint" {
  runs_on = "local"
  step "lint" {
    run = "true"
  }
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
job "test" {
  runs_on = "local"
  step "test" {
    run = "true"
  }
}
`), 0o644))

	p, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), p.Name)
	require.Len(t, p.Jobs, 2)
	assert.Equal(t, "lint", p.Jobs[0].Name)
	assert.Equal(t, "test", p.Jobs[1].Name)
}

func TestLoader_Errors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
		err  string
	}{
		{name: "syntax", src: `job "a" {`, err: "failed to parse"},
		{name: "missing runs_on", src: `job "a" {}`, err: "failed to decode"},
		{name: "non-object with", src: `
job "a" {
  runs_on = "local"
  step "s" {
    uses = "echo"
    with = "nope"
  }
}`, err: "with must be an object"},
		{name: "two pipelines", src: `
pipeline "a" {}
pipeline "b" {}
`, err: "duplicate pipeline block"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLoader().Parse(context.Background(), "x.hcl", []byte(tc.src))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestLoader_LoadMissingPath(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"))
	assert.Error(t, err)
}
