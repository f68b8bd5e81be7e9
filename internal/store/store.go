// Package store defines the persistence contracts of the engine: the run
// ledger, the artifact blobs and the last deployment of each environment.
// Everything is namespaced by run id; nothing is shared across runs except
// deployment records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/trigger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Artifact is a named blob published by one job of one run.
type Artifact struct {
	RunID     int64     `json:"run_id"`
	Name      string    `json:"name"`
	Producer  string    `json:"producer"`
	Blob      []byte    `json:"-"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Deployment is the output recorded by the last successful deploy job of an
// environment.
type Deployment struct {
	RunID   int64             `json:"run_id"`
	Job     string            `json:"job"`
	Outputs map[string]string `json:"outputs,omitempty"`
	URL     string            `json:"url,omitempty"`
	At      time.Time         `json:"at"`
}

// RunStore is the durable ledger of runs and their job executions.
type RunStore interface {
	// CreateRun allocates the next run id and records every job as Pending.
	CreateRun(ctx context.Context, pipeline string, event trigger.Event, jobs []string) (*execution.Run, error)
	GetRun(ctx context.Context, id int64) (*execution.Run, error)
	// SetRunStatus updates the run status; terminal statuses stamp FinishedAt.
	SetRunStatus(ctx context.Context, id int64, status execution.Status) error
	GetJob(ctx context.Context, runID int64, job string) (*execution.JobExecution, error)
	// TransitionJob atomically moves a job to state `to`, rejecting illegal
	// moves with execution.ErrIllegalTransition. update, when non-nil, may
	// fill in the remaining fields of the record before it is written.
	TransitionJob(ctx context.Context, runID int64, job string, to execution.State, update func(*execution.JobExecution)) (*execution.JobExecution, error)
}

// ArtifactStore holds artifact blobs keyed by (run id, name).
type ArtifactStore interface {
	// PutArtifact inserts or replaces the artifact with the same run id and name.
	PutArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, runID int64, name string) (*Artifact, error)
	// ListArtifacts returns artifact metadata without blobs, ordered by name.
	ListArtifacts(ctx context.Context, runID int64) ([]*Artifact, error)
}

// DeploymentStore holds the last deployment per environment.
type DeploymentStore interface {
	GetDeployment(ctx context.Context, environment string) (*Deployment, error)
	// PutDeployment atomically replaces the previous record.
	PutDeployment(ctx context.Context, environment string, d *Deployment) error
}

// Store is the union of all persistence contracts.
type Store interface {
	RunStore
	ArtifactStore
	DeploymentStore
	Close() error
}

// NewRun builds the initial in-memory record for CreateRun implementations.
func NewRun(id int64, pipeline string, event trigger.Event, jobs []string, now time.Time) *execution.Run {
	run := &execution.Run{
		ID:        id,
		Pipeline:  pipeline,
		Trigger:   event,
		Status:    execution.StatusPending,
		CreatedAt: now,
		Order:     append([]string(nil), jobs...),
		Jobs:      make(map[string]*execution.JobExecution, len(jobs)),
	}
	for _, name := range jobs {
		run.Jobs[name] = &execution.JobExecution{RunID: id, Job: name, State: execution.StatePending}
	}
	return run
}

// ApplyTransition checks and applies a state change to je in place.
func ApplyTransition(je *execution.JobExecution, to execution.State, update func(*execution.JobExecution)) error {
	if !je.State.CanTransitionTo(to) {
		return &TransitionError{Job: je.Job, From: je.State, To: to}
	}
	je.State = to
	if update != nil {
		update(je)
		// update may not override the transition itself.
		je.State = to
	}
	return nil
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	Job  string
	From execution.State
	To   execution.State
}

func (e *TransitionError) Error() string {
	return "job " + e.Job + ": " + string(e.From) + " -> " + string(e.To) + ": " + execution.ErrIllegalTransition.Error()
}

func (e *TransitionError) Unwrap() error { return execution.ErrIllegalTransition }
