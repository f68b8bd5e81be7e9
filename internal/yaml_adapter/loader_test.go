package yaml_adapter

import (
	"context"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const workflowYAML = `
name: site
on:
  push:
    branches: [main]
permissions:
  contents: read
jobs:
  build:
    runs-on: local
    timeout-minutes: 10
    env:
      NODE_ENV: production
      PORT: 8080
    steps:
      - name: Install
        run: npm ci
      - id: upload
        uses: upload-artifact
        with:
          name: dist
          path: dist
  test:
    runs-on: local
    needs: build
    steps:
      - run: echo "sha ${{ trigger.after }} literal ${HOME}"
  deploy:
    runs-on: local
    needs: [build, test]
    environment:
      name: prod
      url: ${{ steps.publish.outputs.url }}
    retry:
      attempts: 2
      initial: 1s
    steps:
      - id: publish
        uses: deploy
        with:
          artifact: dist
          token: ${{ secrets.DEPLOY_TOKEN }}
          expect_status: 201
`

func TestLoader_Parse(t *testing.T) {
	p, err := NewLoader().Parse(context.Background(), "site.yml", []byte(workflowYAML))
	require.NoError(t, err)

	assert.Equal(t, "site", p.Name)
	require.NotNil(t, p.On)
	assert.Equal(t, []string{"push"}, p.On.Events)
	assert.Equal(t, []string{"main"}, p.On.Branches)
	assert.Equal(t, map[string]string{"contents": "read"}, p.Permissions)

	require.Len(t, p.Jobs, 3)
	assert.Equal(t, "build", p.Jobs[0].Name)
	assert.Equal(t, "test", p.Jobs[1].Name)
	assert.Equal(t, "deploy", p.Jobs[2].Name)

	build := p.Jobs[0]
	assert.Equal(t, "10m0s", build.Timeout)
	port, diags := build.Env["PORT"].Value(nil)
	require.False(t, diags.HasErrors())
	assert.True(t, port.RawEquals(cty.NumberIntVal(8080)))
	assert.Equal(t, "Install", build.Steps[0].Name)
	assert.Equal(t, "upload", build.Steps[1].Name)
	assert.Equal(t, "upload-artifact", build.Steps[1].Uses)

	test := p.Jobs[1]
	assert.Equal(t, []string{"build"}, test.Needs)
	assert.Equal(t, "step-1", test.Steps[0].Name)
	run := test.Steps[0].Run
	require.NotNil(t, run)
	require.Len(t, run.Variables(), 1)
	assert.Equal(t, "trigger", run.Variables()[0].RootName())

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{
		"trigger": cty.ObjectVal(map[string]cty.Value{"after": cty.StringVal("abc")}),
	}}
	v, diags := run.Value(evalCtx)
	require.False(t, diags.HasErrors())
	assert.Equal(t, `echo "sha abc literal ${HOME}"`, v.AsString())

	deploy := p.Jobs[2]
	assert.Equal(t, []string{"build", "test"}, deploy.Needs)
	assert.Equal(t, "prod", deploy.Environment)
	require.NotNil(t, deploy.EnvironmentURL)
	require.NotNil(t, deploy.Retry)
	assert.Equal(t, 2, deploy.Retry.Attempts)
	assert.Equal(t, "1s", deploy.Retry.Initial)

	token := deploy.Steps[0].With["token"]
	require.Len(t, token.Variables(), 1)
	assert.Equal(t, "secrets", token.Variables()[0].RootName())
	status, diags := deploy.Steps[0].With["expect_status"].Value(nil)
	require.False(t, diags.HasErrors())
	assert.True(t, status.RawEquals(cty.NumberIntVal(201)))
}

func TestLoader_SchemaRejects(t *testing.T) {
	testCases := []struct {
		name string
		src  string
	}{
		{name: "no jobs", src: "name: x\n"},
		{name: "unknown job key", src: "jobs:\n  a:\n    runs-on: local\n    bogus: 1\n    steps: [{run: x}]\n"},
		{name: "step with run and uses", src: "jobs:\n  a:\n    runs-on: local\n    steps: [{run: x, uses: y}]\n"},
		{name: "missing runs-on", src: "jobs:\n  a:\n    steps: [{run: x}]\n"},
		{name: "empty steps", src: "jobs:\n  a:\n    runs-on: local\n    steps: []\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLoader().Parse(context.Background(), "bad.yml", []byte(tc.src))
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.NotEmpty(t, schemaErr.Problems)
		})
	}
}

func TestLoader_BadExpression(t *testing.T) {
	src := "jobs:\n  a:\n    runs-on: local\n    steps:\n      - run: echo ${{ trigger.\n"
	_, err := NewLoader().Parse(context.Background(), "bad.yml", []byte(src))
	assert.Error(t, err)
}

func TestCompileTemplate_LiteralOnly(t *testing.T) {
	expr, err := compileTemplate("f.yml", "100%{ok} ${x}", hcl.Pos{Line: 1, Column: 1})
	require.NoError(t, err)
	v, diags := expr.Value(nil)
	require.False(t, diags.HasErrors())
	assert.Equal(t, "100%{ok} ${x}", v.AsString())
}
