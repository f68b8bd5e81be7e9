package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

func TestOnRunEcho_ReturnsOutputs(t *testing.T) {
	jc := &jobctx.Context{Masker: jobctx.NewMasker(map[string]string{"TOKEN": "s3cret"})}
	out, err := OnRunEcho(context.Background(), jc, &Input{
		Message: "token is s3cret",
		Outputs: map[string]string{"version": "1.0", "channel": "stable"},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.Outputs{"version": "1.0", "channel": "stable"}, out)
}

func TestRegister(t *testing.T) {
	r := registry.New()
	(&Module{}).Register(r)
	_, ok := r.Action("echo")
	assert.True(t, ok)
}
