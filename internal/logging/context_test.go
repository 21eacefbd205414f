package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", UserID(ctx))

	ctx = WithRun(ctx, "wf-123", "run-9", "user-42")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
	assert.Equal(t, "user-42", UserID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "wf-abc", "run-1", "u-7")
	ctx = WithStepID(ctx, "step-x")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "run_id=run-1")
	assert.Contains(t, output, "step_id=step-x")
	assert.Contains(t, output, "user_id=u-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithRunID(context.Background(), "run-only"), logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "step_id")
	assert.NotContains(t, output, "user_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithRun(context.Background(), "wf-1", "run-2", "u-3")
	logger.InfoContext(ctx, "handled")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-1")
	assert.Contains(t, output, "run_id=run-2")
	assert.Contains(t, output, "user_id=u-3")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With("component", "executor").
		WithGroup("g")

	logger.InfoContext(WithRunID(context.Background(), "run-5"), "grouped")
	assert.Contains(t, buf.String(), "component=executor")
	assert.Contains(t, buf.String(), "run-5")
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	ctx := WithRunID(context.Background(), "run-1")
	logger.InfoContext(ctx, "dropped")
	assert.Empty(t, buf.String())

	logger.WarnContext(ctx, "kept")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "run-1", rec["run_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
