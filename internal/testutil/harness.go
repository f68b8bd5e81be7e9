package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/app"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/trigger"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput string
	Run       *execution.Run
	Err       error
	App       *app.App
}

// Harness describes one pipeline run.
type Harness struct {
	// Files are written below a temporary directory; keys are relative paths.
	Files map[string]string
	// Entry is the file or directory (relative) handed to the app.
	Entry   string
	Event   trigger.Event
	Modules []registry.Module
	// Configure adjusts the test configuration before the app is created.
	Configure func(cfg *app.Config)
	Options   []app.Option
	Timeout   time.Duration
}

// NewTestConfig returns a configuration suited to tests: in-memory store,
// a private work directory and debug logging.
func NewTestConfig(t *testing.T) *app.Config {
	t.Helper()
	cfg := app.DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	cfg.WorkDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

// SetupApp creates a new app instance for system testing.
func SetupApp(t *testing.T, cfg *app.Config, opts ...app.Option) (*app.App, *SafeBuffer) {
	t.Helper()

	logBuffer := &SafeBuffer{}
	a, err := app.NewApp(context.Background(), logBuffer, cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(ctx)
		if os.Getenv("PIPEGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})
	return a, logBuffer
}

// RunPipeline writes the harness files, runs the entry pipeline to
// completion and returns the outcome.
func RunPipeline(t *testing.T, h Harness) *HarnessResult {
	t.Helper()

	root := t.TempDir()
	for name, content := range h.Files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := NewTestConfig(t)
	if h.Configure != nil {
		h.Configure(cfg)
	}
	opts := append([]app.Option(nil), h.Options...)
	if len(h.Modules) > 0 {
		opts = append(opts, app.WithModules(h.Modules...))
	}
	a, logs := SetupApp(t, cfg, opts...)

	timeout := h.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var run *execution.Run
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("run panicked | %v", r)
			}
		}()
		run, runErr = a.Run(ctx, filepath.Join(root, h.Entry), h.Event)
	}()

	return &HarnessResult{
		LogOutput: logs.String(),
		Run:       run,
		Err:       runErr,
		App:       a,
	}
}
