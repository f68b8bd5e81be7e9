// Package artifact implements run-scoped artifact publication and
// retrieval on top of a store backend. An artifact becomes visible only once
// the job that produced it has Succeeded, and only to jobs of the same run
// that transitively depend on the producer.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
)

// ErrNotFound is returned for artifacts that do not exist or are not visible
// to the caller.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a published, immutable blob.
type Artifact = store.Artifact

// Store publishes and serves artifacts.
type Store struct {
	blobs store.ArtifactStore
	runs  store.RunStore
	now   func() time.Time
}

// NewStore creates an artifact store over the given backends.
func NewStore(blobs store.ArtifactStore, runs store.RunStore) *Store {
	return &Store{blobs: blobs, runs: runs, now: time.Now}
}

// Put publishes blob under (runID, name). A second publish with the same key
// replaces the first.
func (s *Store) Put(ctx context.Context, name string, runID int64, producer string, blob []byte) (*Artifact, error) {
	if name == "" {
		return nil, errors.New("artifact name is required")
	}
	sum := sha256.Sum256(blob)
	a := &Artifact{
		RunID:     runID,
		Name:      name,
		Producer:  producer,
		Blob:      blob,
		Digest:    "sha256:" + hex.EncodeToString(sum[:]),
		Size:      int64(len(blob)),
		CreatedAt: s.now().UTC(),
	}
	if err := s.blobs.PutArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("publishing artifact %q: %w", name, err)
	}
	return a, nil
}

// Get returns the artifact if it exists in runID and its producer Succeeded.
func (s *Store) Get(ctx context.Context, name string, runID int64) (*Artifact, error) {
	a, err := s.blobs.GetArtifact(ctx, runID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q in run %d", ErrNotFound, name, runID)
		}
		return nil, err
	}
	ok, err := s.producerSucceeded(ctx, a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q in run %d", ErrNotFound, name, runID)
	}
	return a, nil
}

// List returns the metadata of every visible artifact of a run.
func (s *Store) List(ctx context.Context, runID int64) ([]*Artifact, error) {
	all, err := s.blobs.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		ok, err := s.producerSucceeded(ctx, a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) producerSucceeded(ctx context.Context, a *Artifact) (bool, error) {
	je, err := s.runs.GetJob(ctx, a.RunID, a.Producer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return je.State == execution.StateSucceeded, nil
}
