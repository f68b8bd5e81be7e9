// Package events publishes a live feed of run and job state changes.
// Publishing is best-effort: a failing publisher never affects a run.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/pipegrid/internal/execution"
)

// Type names an event kind.
type Type string

const (
	RunStarted  Type = "run_started"
	JobState    Type = "job_state"
	RunFinished Type = "run_finished"
)

// Event is one entry of the feed.
type Event struct {
	ID       string                `json:"id"`
	Type     Type                  `json:"type"`
	RunID    int64                 `json:"run_id"`
	Pipeline string                `json:"pipeline,omitempty"`
	Job      string                `json:"job,omitempty"`
	State    execution.State       `json:"state,omitempty"`
	Status   execution.Status      `json:"status,omitempty"`
	Exit     *execution.ExitDetail `json:"exit,omitempty"`
	At       time.Time             `json:"at"`
}

// New stamps an event with an id and the current time.
func New(t Type, runID int64) Event {
	return Event{ID: uuid.NewString(), Type: t, RunID: runID, At: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events, in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}
