// Package deploy provides the deploy action: it uploads an artifact
// produced earlier in the run to a release endpoint.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// DigestHeader carries the artifact digest so the receiver can verify it.
const DigestHeader = "X-Pipegrid-Digest"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the deploy action.
type Input struct {
	Artifact string `hcl:"artifact" validate:"required"`
	URL      string `hcl:"url" validate:"required,url"`
	Token    string `hcl:"token,optional"`
	Method   string `hcl:"method,optional" validate:"omitempty,oneof=PUT POST put post"`
}

// OnRunDeploy uploads the artifact blob to the target URL.
func OnRunDeploy(ctx context.Context, jc *jobctx.Context, input *Input) (registry.Outputs, error) {
	logger := ctxlog.FromContext(ctx).With("artifact", input.Artifact)

	if jc.Artifacts == nil {
		return nil, fmt.Errorf("artifact storage is not configured")
	}
	if jc.HTTP == nil {
		return nil, fmt.Errorf("http client is not configured")
	}

	a, err := jc.Artifacts.Get(ctx, input.Artifact)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(input.Method)
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, input.URL, bytes.NewReader(a.Blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")
	req.Header.Set(DigestHeader, a.Digest)
	if input.Token != "" {
		req.Header.Set("Authorization", "Bearer "+input.Token)
	}
	req.ContentLength = int64(len(a.Blob))

	logger.Info("Uploading artifact", "size", len(a.Blob), "digest", a.Digest)

	resp, err := jc.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upload failed with status: %s", resp.Status)
	}

	url := resp.Header.Get("Location")
	if url == "" {
		url = input.URL
	}
	logger.Info("Successfully deployed artifact", "status", resp.Status, "url", url)

	out := registry.Outputs{
		"url":    url,
		"digest": a.Digest,
		"status": strconv.Itoa(resp.StatusCode),
	}
	if jc.Environment != nil {
		out["environment"] = jc.Environment.Environment
	}
	return out, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("deploy", &registry.RegisteredAction{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunDeploy,
	})
}
