package socketio

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

func TestOnRunSocketIOEmit_InvalidTimeout(t *testing.T) {
	_, err := OnRunSocketIOEmit(context.Background(), &jobctx.Context{}, &Input{URL: "http://localhost:1", Event: "hello", Timeout: "soon"})
	assert.ErrorContains(t, err, `invalid timeout "soon"`)
}

func TestOnRunSocketIOEmit_Unreachable(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = OnRunSocketIOEmit(context.Background(), &jobctx.Context{}, &Input{
		URL:     "http://" + addr,
		Event:   "deployed",
		Timeout: "300ms",
	})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	r := registry.New()
	(&Module{}).Register(r)
	a, ok := r.Action("socketio-emit")
	require.True(t, ok)

	var names []string
	for _, f := range a.InputFields() {
		if !f.Optional {
			names = append(names, f.Name)
		}
	}
	assert.Equal(t, []string{"event", "url"}, names)
}
