package inmemorystore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

// Store is an in-memory implementation of store.Store.
//
// Runs are independent of each other, so each run carries its own mutex and
// lives in a sync.Map; concurrent runs never contend on a global lock. Job
// transitions within one run serialize on that run's mutex, which is what
// makes TransitionJob atomic.
type Store struct {
	nextID      atomic.Int64
	runs        sync.Map // Key: int64 run id, Value: *runEntry
	artifacts   sync.Map // Key: artifactKey, Value: *store.Artifact
	deployments sync.Map // Key: environment name, Value: *store.Deployment
}

type runEntry struct {
	mu  sync.Mutex
	run *execution.Run
}

type artifactKey struct {
	runID int64
	name  string
}

var _ store.Store = (*Store)(nil)

// New creates a new, empty in-memory store.
func New() *Store {
	return &Store{}
}

// CreateRun allocates the next run id and records every job as Pending.
func (s *Store) CreateRun(ctx context.Context, pipeline string, event trigger.Event, jobs []string) (*execution.Run, error) {
	id := s.nextID.Add(1)
	run := store.NewRun(id, pipeline, event, jobs, time.Now().UTC())
	s.runs.Store(id, &runEntry{run: run})
	return run.Clone(), nil
}

func (s *Store) entry(id int64) (*runEntry, error) {
	v, ok := s.runs.Load(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return v.(*runEntry), nil
}

// GetRun returns a snapshot of the run.
func (s *Store) GetRun(ctx context.Context, id int64) (*execution.Run, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Clone(), nil
}

// SetRunStatus updates the run status.
func (s *Store) SetRunStatus(ctx context.Context, id int64, status execution.Status) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.Status = status
	if status.Terminal() {
		e.run.FinishedAt = time.Now().UTC()
	}
	return nil
}

// GetJob returns a snapshot of one job execution.
func (s *Store) GetJob(ctx context.Context, runID int64, job string) (*execution.JobExecution, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	je, ok := e.run.Jobs[job]
	if !ok {
		return nil, store.ErrNotFound
	}
	return je.Clone(), nil
}

// TransitionJob atomically applies a state change to one job execution.
func (s *Store) TransitionJob(ctx context.Context, runID int64, job string, to execution.State, update func(*execution.JobExecution)) (*execution.JobExecution, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	je, ok := e.run.Jobs[job]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Work on a copy so a rejected transition leaves the record untouched.
	next := je.Clone()
	if err := store.ApplyTransition(next, to, update); err != nil {
		return nil, err
	}
	e.run.Jobs[job] = next
	return next.Clone(), nil
}

// PutArtifact inserts or replaces an artifact.
func (s *Store) PutArtifact(ctx context.Context, a *store.Artifact) error {
	cp := *a
	cp.Blob = append([]byte(nil), a.Blob...)
	s.artifacts.Store(artifactKey{runID: a.RunID, name: a.Name}, &cp)
	return nil
}

// GetArtifact returns the artifact with its blob.
func (s *Store) GetArtifact(ctx context.Context, runID int64, name string) (*store.Artifact, error) {
	v, ok := s.artifacts.Load(artifactKey{runID: runID, name: name})
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v.(*store.Artifact)
	return &cp, nil
}

// ListArtifacts returns the metadata of every artifact in a run.
func (s *Store) ListArtifacts(ctx context.Context, runID int64) ([]*store.Artifact, error) {
	var out []*store.Artifact
	s.artifacts.Range(func(k, v any) bool {
		if k.(artifactKey).runID == runID {
			cp := *v.(*store.Artifact)
			cp.Blob = nil
			out = append(out, &cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDeployment returns the last deployment of an environment.
func (s *Store) GetDeployment(ctx context.Context, environment string) (*store.Deployment, error) {
	v, ok := s.deployments.Load(environment)
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v.(*store.Deployment)
	return &cp, nil
}

// PutDeployment replaces the last deployment of an environment.
func (s *Store) PutDeployment(ctx context.Context, environment string, d *store.Deployment) error {
	cp := *d
	s.deployments.Store(environment, &cp)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
