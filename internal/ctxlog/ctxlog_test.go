package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), base)

	ctx, logger := With(ctx, "run_id", 7)
	logger.Info("hello")
	FromContext(ctx).Info("again")

	out := buf.String()
	assert.Contains(t, out, "msg=hello run_id=7")
	assert.Contains(t, out, "msg=again run_id=7")
}
