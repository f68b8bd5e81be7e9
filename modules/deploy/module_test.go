package deploy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/environment"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/inmemorystore"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/trigger"
)

func deployContext(t *testing.T, client *http.Client) *jobctx.Context {
	t.Helper()
	ctx := context.Background()
	st := inmemorystore.New()
	run, err := st.CreateRun(ctx, "site", trigger.Event{}, []string{"build", "deploy"})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))
	blob, err := artifact.Pack(dir)
	require.NoError(t, err)

	arts := artifact.NewStore(st, st)
	_, err = arts.Put(ctx, "dist", run.ID, "build", blob)
	require.NoError(t, err)
	for _, s := range []execution.State{execution.StateReady, execution.StateRunning, execution.StateSucceeded} {
		_, err := st.TransitionJob(ctx, run.ID, "build", s, nil)
		require.NoError(t, err)
	}

	secrets := map[string]string{"DEPLOY_TOKEN": "tok-123"}
	return &jobctx.Context{
		RunID:       run.ID,
		Job:         "deploy",
		Workspace:   t.TempDir(),
		Secrets:     secrets,
		Masker:      jobctx.NewMasker(secrets),
		Artifacts:   arts.Scope(run.ID, "deploy", []string{"build"}),
		Environment: &environment.Resolution{Environment: "prod", Secrets: secrets},
		HTTP:        client,
	}
}

func TestOnRunDeploy_Uploads(t *testing.T) {
	var gotAuth, gotDigest string
	var gotSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSize = len(body)
		gotAuth = r.Header.Get("Authorization")
		gotDigest = r.Header.Get(DigestHeader)
		w.Header().Set("Location", "https://prod.example/releases/7")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	jc := deployContext(t, srv.Client())
	out, err := OnRunDeploy(context.Background(), jc, &Input{Artifact: "dist", URL: srv.URL + "/upload", Token: "tok-123"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, out["digest"], gotDigest)
	assert.Greater(t, gotSize, 0)
	assert.Equal(t, "https://prod.example/releases/7", out["url"])
	assert.Equal(t, "201", out["status"])
	assert.Equal(t, "prod", out["environment"])
}

func TestOnRunDeploy_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	jc := deployContext(t, srv.Client())
	_, err := OnRunDeploy(context.Background(), jc, &Input{Artifact: "dist", URL: srv.URL})
	assert.ErrorContains(t, err, "403")

	_, err = OnRunDeploy(context.Background(), jc, &Input{Artifact: "missing", URL: srv.URL})
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}
