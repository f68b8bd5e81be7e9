package environment

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/inmemorystore"
	"github.com/vk/pipegrid/internal/store"
)

func newBinding(env map[string]string) (*Binding, *inmemorystore.Store) {
	s := inmemorystore.New()
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	b := NewBinding(s, []Environment{
		{Name: "prod", Protected: true, URL: "https://prod.example", Secrets: map[string]string{"DEPLOY_TOKEN": "s3cr3t"}},
	}, lookup)
	return b, s
}

func TestResolve(t *testing.T) {
	b, _ := newBinding(map[string]string{"PIPEGRID_SECRET_PROD_API_KEY": "from-env"})
	ctx := context.Background()

	res, err := b.Resolve(ctx, "prod", JobRef{Job: "deploy", Environment: "prod", RequiredSecrets: []string{"DEPLOY_TOKEN", "API_KEY"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DEPLOY_TOKEN": "s3cr3t", "API_KEY": "from-env"}, res.Secrets)
	assert.True(t, res.Protected)
	assert.Nil(t, res.Previous)
}

func TestResolve_Errors(t *testing.T) {
	b, _ := newBinding(nil)
	ctx := context.Background()

	testCases := []struct {
		name   string
		env    string
		ref    JobRef
		secret string
	}{
		{name: "job does not reference environment", env: "prod", ref: JobRef{Job: "build"}},
		{name: "undeclared environment", env: "staging", ref: JobRef{Job: "deploy", Environment: "staging"}},
		{name: "missing secret", env: "prod", ref: JobRef{Job: "deploy", Environment: "prod", RequiredSecrets: []string{"NOPE"}}, secret: "NOPE"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Resolve(ctx, tc.env, tc.ref)
			var secretErr *execution.SecretResolutionError
			require.ErrorAs(t, err, &secretErr)
			assert.Equal(t, tc.secret, secretErr.Secret)
			assert.Equal(t, execution.ExitSecretResolution, execution.DetailFromError(err).Kind)
		})
	}
}

func TestRecordDeployment_ReplacesAndIsVisibleToNextResolve(t *testing.T) {
	b, _ := newBinding(nil)
	ctx := context.Background()

	require.NoError(t, b.RecordDeployment(ctx, "prod", Deployment{RunID: 1, Job: "deploy", URL: "https://v1", At: time.Now()}))
	require.NoError(t, b.RecordDeployment(ctx, "prod", Deployment{RunID: 2, Job: "deploy", URL: "https://v2", At: time.Now()}))

	res, err := b.Resolve(ctx, "prod", JobRef{Job: "deploy", Environment: "prod"})
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "https://v2", res.Previous.URL)

	assert.Error(t, b.RecordDeployment(ctx, "staging", Deployment{}))
	_, err = b.LastDeployment(ctx, "staging")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnvironment_LogValueHidesSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("env", "env", Environment{Name: "prod", Secrets: map[string]string{"TOKEN": "s3cr3t"}})
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.Contains(t, buf.String(), "TOKEN")
}

func TestSecretEnvVar(t *testing.T) {
	assert.Equal(t, "PIPEGRID_SECRET_PROD_EU_DEPLOY_TOKEN", SecretEnvVar("prod-eu", "deploy_token"))
	assert.Equal(t, []string{"prod"}, mustBinding(t).Names())
}

func mustBinding(t *testing.T) *Binding {
	t.Helper()
	b, _ := newBinding(nil)
	return b
}
