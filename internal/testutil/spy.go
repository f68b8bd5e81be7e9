package testutil

import (
	"context"
	"sync"

	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

// SpyCall is what the spy action saw of one invocation.
type SpyCall struct {
	Job     string
	Tag     string
	Env     map[string]string
	Secrets map[string]string
	Needs   map[string]map[string]string
}

// SpyModule registers the "spy" action, which records the job context it
// was called with. It is the way tests look inside a job.
type SpyModule struct {
	mu    sync.Mutex
	calls []SpyCall
}

type spyInput struct {
	Tag string `hcl:"tag,optional"`
}

// Register registers the "spy" action.
func (m *SpyModule) Register(r *registry.Registry) {
	r.RegisterAction("spy", &registry.RegisteredAction{
		NewInput: func() any { return new(spyInput) },
		Fn: func(ctx context.Context, jc *jobctx.Context, input *spyInput) (registry.Outputs, error) {
			call := SpyCall{
				Job:     jc.Job,
				Tag:     input.Tag,
				Env:     copyMap(jc.Env),
				Secrets: copyMap(jc.Secrets),
				Needs:   make(map[string]map[string]string, len(jc.Needs)),
			}
			for k, v := range jc.Needs {
				call.Needs[k] = copyMap(v)
			}
			m.mu.Lock()
			m.calls = append(m.calls, call)
			m.mu.Unlock()
			return registry.Outputs{"seen": "true"}, nil
		},
	})
}

// Calls returns every recorded call in call order.
func (m *SpyModule) Calls() []SpyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpyCall(nil), m.calls...)
}

// CallFor returns the first call made by job.
func (m *SpyModule) CallFor(job string) (SpyCall, bool) {
	for _, c := range m.Calls() {
		if c.Job == job {
			return c, true
		}
	}
	return SpyCall{}, false
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
