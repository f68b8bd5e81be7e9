// Package environment binds deploy jobs to named, secret-bearing
// environments. Secrets are resolved only for a job that references the
// environment, and the last successful deployment of each environment is
// kept so that the next deploy can see what it replaces.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
)

// Environment is a named deployment target.
type Environment struct {
	Name      string
	Protected bool
	// URL is the default deployment URL when a job does not set one.
	URL     string
	Secrets map[string]string
}

// LogValue keeps secret values out of logs.
func (e Environment) LogValue() slog.Value {
	names := make([]string, 0, len(e.Secrets))
	for k := range e.Secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return slog.GroupValue(
		slog.String("name", e.Name),
		slog.Bool("protected", e.Protected),
		slog.Any("secret_names", names),
	)
}

// Deployment is the last recorded output of an environment.
type Deployment = store.Deployment

// JobRef identifies the job asking for an environment.
type JobRef struct {
	RunID int64
	Job   string
	// Environment is the environment named in the job definition.
	Environment string
	// RequiredSecrets must all resolve or the job fails before its first step.
	RequiredSecrets []string
}

// Resolution is what a job sees of its environment.
type Resolution struct {
	Environment string
	Protected   bool
	URL         string
	Secrets     map[string]string
	Previous    *Deployment
}

// Binding resolves environments for jobs and records their deployments.
type Binding struct {
	deployments store.DeploymentStore
	lookupEnv   func(string) (string, bool)

	mu   sync.RWMutex
	envs map[string]Environment
}

// NewBinding creates a binding over the declared environments. lookupEnv
// supplies secrets from the process environment; nil uses os.LookupEnv.
func NewBinding(deployments store.DeploymentStore, envs []Environment, lookupEnv func(string) (string, bool)) *Binding {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	b := &Binding{
		deployments: deployments,
		lookupEnv:   lookupEnv,
		envs:        make(map[string]Environment, len(envs)),
	}
	for _, e := range envs {
		b.envs[e.Name] = e
	}
	return b
}

// Names returns the declared environment names in order.
func (b *Binding) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.envs))
	for n := range b.envs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SecretEnvVar is the process environment variable that may carry a secret,
// e.g. PIPEGRID_SECRET_PROD_DEPLOY_TOKEN.
func SecretEnvVar(environment, secret string) string {
	return "PIPEGRID_SECRET_" + envToken(environment) + "_" + envToken(secret)
}

func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// Resolve returns the secrets and previous deployment of environment name
// for the job described by ref.
func (b *Binding) Resolve(ctx context.Context, name string, ref JobRef) (*Resolution, error) {
	logger := ctxlog.FromContext(ctx).With("environment", name, "job", ref.Job)

	if ref.Environment != name {
		return nil, &execution.SecretResolutionError{Environment: name, Reason: fmt.Sprintf("job %q does not reference this environment", ref.Job)}
	}

	b.mu.RLock()
	env, ok := b.envs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, &execution.SecretResolutionError{Environment: name, Reason: "environment is not declared"}
	}

	secrets := make(map[string]string, len(ref.RequiredSecrets))
	for _, s := range ref.RequiredSecrets {
		if v, ok := b.lookupEnv(SecretEnvVar(name, s)); ok {
			secrets[s] = v
			continue
		}
		v, ok := env.Secrets[s]
		if !ok {
			return nil, &execution.SecretResolutionError{Environment: name, Secret: s, Reason: "secret is not defined"}
		}
		secrets[s] = v
	}

	res := &Resolution{
		Environment: name,
		Protected:   env.Protected,
		URL:         env.URL,
		Secrets:     secrets,
	}

	prev, err := b.deployments.GetDeployment(ctx, name)
	switch {
	case err == nil:
		res.Previous = prev
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading last deployment of %q: %w", name, err)
	}

	logger.Debug("Environment resolved.", "secret_count", len(secrets), "has_previous", res.Previous != nil)
	return res, nil
}

// RecordDeployment atomically replaces the last deployment of name. Callers
// invoke it only after every step of the deploy job succeeded.
func (b *Binding) RecordDeployment(ctx context.Context, name string, d Deployment) error {
	b.mu.RLock()
	_, ok := b.envs[name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("recording deployment: environment %q is not declared", name)
	}
	if err := b.deployments.PutDeployment(ctx, name, &d); err != nil {
		return fmt.Errorf("recording deployment of %q: %w", name, err)
	}
	ctxlog.FromContext(ctx).Info("Deployment recorded.", "environment", name, "run_id", d.RunID, "job", d.Job, "url", d.URL)
	return nil
}

// LastDeployment returns the last recorded deployment, or store.ErrNotFound.
func (b *Binding) LastDeployment(ctx context.Context, name string) (*Deployment, error) {
	return b.deployments.GetDeployment(ctx, name)
}
