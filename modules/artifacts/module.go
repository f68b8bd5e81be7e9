// Package artifacts provides the upload-artifact and download-artifact
// actions. Uploads are staged and only published once every step of the
// job has succeeded.
package artifacts

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/fsutil"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// UploadInput defines the arguments for upload-artifact.
type UploadInput struct {
	Name string `hcl:"name" validate:"required"`
	Path string `hcl:"path" validate:"required"`
}

// DownloadInput defines the arguments for download-artifact.
type DownloadInput struct {
	Name string `hcl:"name" validate:"required"`
	Path string `hcl:"path,optional"`
}

// OnRunUpload stages a workspace path for publication under a name.
func OnRunUpload(ctx context.Context, jc *jobctx.Context, input *UploadInput) (registry.Outputs, error) {
	if jc.Artifacts == nil {
		return nil, fmt.Errorf("artifact storage is not configured")
	}
	src, err := fsutil.Within(jc.Workspace, input.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", input.Name, err)
	}

	jc.Artifacts.Stage(input.Name, src)
	ctxlog.FromContext(ctx).Info("Artifact staged.", "name", input.Name, "path", input.Path)
	return registry.Outputs{"artifact": input.Name}, nil
}

// OnRunDownload unpacks an artifact of an upstream job into the workspace.
func OnRunDownload(ctx context.Context, jc *jobctx.Context, input *DownloadInput) (registry.Outputs, error) {
	if jc.Artifacts == nil {
		return nil, fmt.Errorf("artifact storage is not configured")
	}
	rel := input.Path
	if rel == "" {
		rel = "."
	}
	dest, err := fsutil.Within(jc.Workspace, rel)
	if err != nil {
		return nil, err
	}

	a, err := jc.Artifacts.Get(ctx, input.Name)
	if err != nil {
		return nil, err
	}
	if err := artifact.Unpack(a.Blob, dest); err != nil {
		return nil, fmt.Errorf("unpacking artifact %q: %w", input.Name, err)
	}

	ctxlog.FromContext(ctx).Info("Artifact downloaded.", "name", a.Name, "producer", a.Producer, "size", a.Size)
	return registry.Outputs{
		"digest":   a.Digest,
		"producer": a.Producer,
		"path":     rel,
	}, nil
}

// Register registers both actions with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("upload-artifact", &registry.RegisteredAction{
		NewInput: func() any { return new(UploadInput) },
		Fn:       OnRunUpload,
	})
	r.RegisterAction("download-artifact", &registry.RegisteredAction{
		NewInput: func() any { return new(DownloadInput) },
		Fn:       OnRunDownload,
	})
}
