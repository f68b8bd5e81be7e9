package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// ExecutionRecord holds the start and end times for a single action call.
type ExecutionRecord struct {
	Job   string
	Start time.Time
	End   time.Time
}

// SleeperModule is a shared, self-contained module for concurrency tests.
// It registers the "sleep" action and records when each call ran.
type SleeperModule struct {
	mu             sync.Mutex
	executions     map[string]*ExecutionRecord
	sleepDuration  time.Duration
	completionChan chan<- string
}

// NewSleeperModule creates a new sleeper module. completionChan, when not
// nil, receives the id of every finished call.
func NewSleeperModule(completionChan chan<- string, sleep time.Duration) *SleeperModule {
	return &SleeperModule{
		executions:     make(map[string]*ExecutionRecord),
		sleepDuration:  sleep,
		completionChan: completionChan,
	}
}

type sleeperInput struct {
	ID   string `hcl:"id"`
	Fail bool   `hcl:"fail,optional"`
}

// Register registers the "sleep" action.
func (m *SleeperModule) Register(r *registry.Registry) {
	r.RegisterAction("sleep", &registry.RegisteredAction{
		NewInput: func() any { return new(sleeperInput) },
		Fn: func(ctx context.Context, jc *jobctx.Context, input *sleeperInput) (registry.Outputs, error) {
			start := time.Now()
			select {
			case <-time.After(m.sleepDuration):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			end := time.Now()

			m.mu.Lock()
			m.executions[input.ID] = &ExecutionRecord{Job: jc.Job, Start: start, End: end}
			m.mu.Unlock()

			if m.completionChan != nil {
				m.completionChan <- input.ID
			}
			if input.Fail {
				return nil, fmt.Errorf("sleeper %q asked to fail", input.ID)
			}
			return registry.Outputs{"id": input.ID}, nil
		},
	})
}

// Execution returns the record of the call with the given id.
func (m *SleeperModule) Execution(id string) (*ExecutionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[id]
	return rec, ok
}

// Count returns the number of finished calls.
func (m *SleeperModule) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executions)
}
