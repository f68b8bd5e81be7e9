package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vk/pipegrid/internal/ctxlog"
)

// Workspace is a provisioned, private execution context for one job attempt.
type Workspace struct {
	ID  string
	Dir string

	release func() error
}

// Release tears the workspace down.
func (w *Workspace) Release() error {
	if w == nil || w.release == nil {
		return nil
	}
	return w.release()
}

// Provisioner creates workspaces for the runs_on labels it serves.
type Provisioner interface {
	Labels() []string
	Provision(ctx context.Context, runID int64, job string) (*Workspace, error)
}

// LocalProvisioner creates temporary directories on the host under a work
// root. It serves "local" plus any configured aliases.
type LocalProvisioner struct {
	root   string
	labels []string
}

// NewLocalProvisioner returns a provisioner rooted at root. An empty root
// uses the system temp directory.
func NewLocalProvisioner(root string, aliases ...string) *LocalProvisioner {
	if root == "" {
		root = filepath.Join(os.TempDir(), "pipegrid")
	}
	labels := []string{"local"}
	for _, a := range aliases {
		if a != "" && a != "local" {
			labels = append(labels, a)
		}
	}
	return &LocalProvisioner{root: root, labels: labels}
}

// Labels returns the runs_on labels served by this provisioner.
func (p *LocalProvisioner) Labels() []string {
	return append([]string(nil), p.labels...)
}

// Provision creates a fresh directory for one attempt of job.
func (p *LocalProvisioner) Provision(ctx context.Context, runID int64, job string) (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, fmt.Sprintf("run-%d", runID), job+"-"+id[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Provisioned local workspace.", "dir", dir)
	return &Workspace{
		ID:      id,
		Dir:     dir,
		release: func() error { return os.RemoveAll(dir) },
	}, nil
}
