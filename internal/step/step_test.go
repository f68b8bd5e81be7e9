package step

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
)

func expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), diags.Error())
	return e
}

func newJobContext(t *testing.T) *jobctx.Context {
	secrets := map[string]string{"TOKEN": "hunter2"}
	return &jobctx.Context{
		Job:       "build",
		Workspace: t.TempDir(),
		BaseEnv:   map[string]string{"PATH": os.Getenv("PATH")},
		Env:       map[string]string{"GREETING": "hi"},
		Secrets:   secrets,
		Masker:    jobctx.NewMasker(secrets),
	}
}

func TestShell_OutputsAndWorkspace(t *testing.T) {
	jc := newJobContext(t)
	s := NewShell("build", expr(t, `"echo $GREETING; touch made.txt; echo version=1.2.3 >> $PIPEGRID_OUTPUT; echo sha=${trigger.after}x >> $PIPEGRID_OUTPUT"`), nil)

	res := s.Run(context.Background(), jc)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, map[string]string{"version": "1.2.3", "sha": "x"}, res.Outputs)
	assert.FileExists(t, filepath.Join(jc.Workspace, "made.txt"))
}

func TestShell_NonZeroExit(t *testing.T) {
	jc := newJobContext(t)
	res := NewShell("fail", expr(t, `"echo boom >&2; exit 3"`), nil).Run(context.Background(), jc)
	require.Error(t, res.Err)
	assert.True(t, res.Failed())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Output)
}

func TestShell_MasksSecrets(t *testing.T) {
	jc := newJobContext(t)
	res := NewShell("leak", expr(t, `"echo token=${secrets.TOKEN}"`), nil).Run(context.Background(), jc)
	require.NoError(t, res.Err)
	assert.Equal(t, "token=***\n", res.Output)
	assert.NotContains(t, res.Output, "hunter2")
}

func TestShell_OutputKeepsBoundedTail(t *testing.T) {
	jc := newJobContext(t)
	cmd := `"i=0; while [ $i -lt 3000 ]; do echo \"line $i é ${secrets.TOKEN}\"; i=$((i+1)); done; echo last"`
	res := NewShell("chatty", expr(t, cmd), nil).Run(context.Background(), jc)
	require.NoError(t, res.Err)

	assert.LessOrEqual(t, len(res.Output), outputTailBytes)
	assert.True(t, utf8.ValidString(res.Output))
	assert.True(t, strings.HasSuffix(res.Output, "line 2999 é ***\nlast\n"))
	assert.NotContains(t, res.Output, "line 0 ")
	assert.NotContains(t, res.Output, "nter2")
}

func TestTail(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "abc", n: 4, want: "abc"},
		{name: "ascii", in: "abcdef", n: 3, want: "def"},
		{name: "skips split rune", in: "ééé", n: 3, want: "é"},
		{name: "rune boundary", in: "ééé", n: 4, want: "éé"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tail(tc.in, tc.n))
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello"))
	assert.Equal(t, "hello", b.String())
	assert.False(t, b.Truncated())

	n, err := b.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "lo world", b.String())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte(strings.Repeat("x", 100) + "12345678"))
	assert.Equal(t, "12345678", b.String())
}

func TestShell_NoAmbientEnvironment(t *testing.T) {
	t.Setenv("PIPEGRID_HOST_ONLY", "leaked")
	jc := newJobContext(t)
	res := NewShell("env", expr(t, `"echo [$PIPEGRID_HOST_ONLY][$STEP_ONLY]"`), map[string]hcl.Expression{
		"STEP_ONLY": expr(t, `"s"`),
	}).Run(context.Background(), jc)
	require.NoError(t, res.Err)
	assert.Equal(t, "[][s]\n", res.Output)
}

func TestShell_ContextCanceled(t *testing.T) {
	jc := newJobContext(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := NewShell("slow", expr(t, `"sleep 5"`), nil).Run(ctx, jc)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestShell_BadOutputLine(t *testing.T) {
	jc := newJobContext(t)
	res := NewShell("bad", expr(t, `"echo nokey >> $PIPEGRID_OUTPUT"`), nil).Run(context.Background(), jc)
	assert.ErrorContains(t, res.Err, "expected key=value")
}

type echoInput struct {
	Message string `hcl:"message"`
}

func TestAction_RunsRegisteredAction(t *testing.T) {
	action := &registry.RegisteredAction{
		NewInput: func() any { return new(echoInput) },
		Fn: func(ctx context.Context, jc *jobctx.Context, in *echoInput) (registry.Outputs, error) {
			if in.Message == "fail" {
				return nil, errors.New("rejected " + jc.Secrets["TOKEN"])
			}
			return registry.Outputs{"said": in.Message}, nil
		},
	}
	jc := newJobContext(t)

	res := NewAction("say", "echo", action, map[string]hcl.Expression{"message": expr(t, `env.GREETING`)}).Run(context.Background(), jc)
	require.NoError(t, res.Err)
	assert.Equal(t, map[string]string{"said": "hi"}, res.Outputs)

	res = NewAction("say", "echo", action, map[string]hcl.Expression{"message": expr(t, `"fail"`)}).Run(context.Background(), jc)
	require.Error(t, res.Err)
	assert.NotContains(t, res.Err.Error(), "hunter2")

	res = NewAction("say", "echo", action, nil).Run(context.Background(), jc)
	assert.ErrorContains(t, res.Err, "missing required input")
}
