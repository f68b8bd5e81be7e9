package step

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
)

const (
	// OutputEnvVar names the file a shell step appends key=value lines to.
	OutputEnvVar = "PIPEGRID_OUTPUT"
	// WorkspaceEnvVar names the job workspace directory.
	WorkspaceEnvVar = "PIPEGRID_WORKSPACE"

	outputTailBytes = 4096
	waitDelay       = 2 * time.Second
)

// Shell runs an inline command through `sh -c` inside the job workspace.
type Shell struct {
	name string
	run  hcl.Expression
	env  map[string]hcl.Expression
}

// NewShell creates a shell step. run is evaluated against the job context
// just before execution.
func NewShell(name string, run hcl.Expression, env map[string]hcl.Expression) *Shell {
	return &Shell{name: name, run: run, env: env}
}

// Name returns the step name.
func (s *Shell) Name() string { return s.name }

// Run executes the command. Combined output is masked before it is logged
// or returned.
func (s *Shell) Run(ctx context.Context, jc *jobctx.Context) Result {
	logger := ctxlog.FromContext(ctx).With("step", s.name)

	command, err := jc.EvalString(s.run)
	if err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("evaluating run: %w", err)}
	}
	stepEnv, err := jc.EvalStringMap(s.env)
	if err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("evaluating env: %w", err)}
	}

	outFile, err := os.CreateTemp("", "pipegrid-output-*")
	if err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("creating output file: %w", err)}
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	if stepEnv == nil {
		stepEnv = make(map[string]string, 2)
	}
	stepEnv[OutputEnvVar] = outPath
	stepEnv[WorkspaceEnvVar] = jc.Workspace

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = jc.Workspace
	cmd.Env = jc.ProcessEnv(stepEnv)
	cmd.WaitDelay = waitDelay

	// The window keeps room for one secret on top of the tail so a value
	// cut by the window edge can be dropped after masking.
	slack := jc.Masker.Longest()
	out := newTailBuffer(outputTailBytes + slack)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug("Running shell step.")
	runErr := cmd.Run()
	output := jc.Masker.Mask(out.String())
	if out.Truncated() {
		output = output[min(slack, len(output)):]
	}
	output = tail(output, outputTailBytes)
	if output != "" {
		logger.Debug("Shell step output.", "output", output, "truncated", out.Truncated())
	}
	res := Result{Output: output}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			res.ExitCode = -1
			res.Err = ctx.Err()
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("command exited with status %d", res.ExitCode)
		default:
			res.ExitCode = -1
			res.Err = runErr
		}
		return res
	}

	res.Outputs, err = readOutputs(outPath)
	if err != nil {
		res.Err = err
	}
	return res
}

// readOutputs parses key=value lines. Blank lines are ignored; the last
// value for a key wins.
func readOutputs(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading step outputs: %w", err)
	}
	outputs := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("step outputs line %d: expected key=value", line)
		}
		outputs[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading step outputs: %w", err)
	}
	return outputs, nil
}

// tail returns at most the last n bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return s
}

// tailBuffer is an io.Writer that keeps only the last limit bytes written.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit, buf: make([]byte, 0, limit)}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) >= b.limit {
		b.truncated = b.truncated || len(b.buf) > 0 || len(p) > b.limit
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.truncated = true
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether earlier output was discarded.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
