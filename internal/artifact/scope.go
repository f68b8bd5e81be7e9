package artifact

import (
	"context"
	"fmt"
	"sync"
)

// Scope is the artifact view of one job execution.
type Scope struct {
	store    *Store
	runID    int64
	job      string
	upstream map[string]bool

	mu     sync.Mutex
	staged []Staged
}

// Staged is a workspace path queued for publication.
type Staged struct {
	Name string
	Path string
}

// Scope returns the view of job in runID. upstream is the transitive `needs`
// closure of the job.
func (s *Store) Scope(runID int64, job string, upstream []string) *Scope {
	up := make(map[string]bool, len(upstream))
	for _, u := range upstream {
		up[u] = true
	}
	return &Scope{store: s, runID: runID, job: job, upstream: up}
}

// RunID returns the run this scope belongs to.
func (sc *Scope) RunID() int64 { return sc.runID }

// Get returns an artifact produced by an upstream job of the same run.
func (sc *Scope) Get(ctx context.Context, name string) (*Artifact, error) {
	a, err := sc.store.Get(ctx, name, sc.runID)
	if err != nil {
		return nil, err
	}
	if !sc.upstream[a.Producer] {
		return nil, fmt.Errorf("%w: %q was produced by %q, which %q does not depend on", ErrNotFound, name, a.Producer, sc.job)
	}
	return a, nil
}

// Stage queues path (absolute, inside the job workspace) for publication
// under name once every step has succeeded. Staging a name twice replaces
// the earlier path.
func (sc *Scope) Stage(name, path string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.staged {
		if sc.staged[i].Name == name {
			sc.staged[i].Path = path
			return
		}
	}
	sc.staged = append(sc.staged, Staged{Name: name, Path: path})
}

// Staged returns the queued artifacts in staging order.
func (sc *Scope) Staged() []Staged {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Staged(nil), sc.staged...)
}

// Publish packs and stores every staged path.
func (sc *Scope) Publish(ctx context.Context) ([]*Artifact, error) {
	var out []*Artifact
	for _, st := range sc.Staged() {
		blob, err := Pack(st.Path)
		if err != nil {
			return out, fmt.Errorf("packing artifact %q: %w", st.Name, err)
		}
		a, err := sc.store.Put(ctx, st.Name, sc.runID, sc.job, blob)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}
