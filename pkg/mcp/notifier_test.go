package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/internal/logging"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func runCtx(userID string) context.Context {
	ctx := logging.WithRun(context.Background(), "wf-1", "run-1", userID)
	return logging.WithStepID(ctx, "notify")
}

func TestMCPNotifier_Delivers(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("user-1", "sess-1")
	n := NewMCPNotifier(sender, sessions)

	ok, err := n.Send(runCtx("user-1"), "lead scored", "success")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, sender.sent, 1)
	got := sender.sent[0]
	assert.Equal(t, "sess-1", got.sessionID)
	assert.Equal(t, "notifications/message", got.method)
	assert.Equal(t, "notice", got.params["level"])
	data := got.params["data"].(map[string]any)
	assert.Equal(t, "lead scored", data["message"])
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, "notify", data["step_id"])
}

func TestMCPNotifier_UserNotConnected(t *testing.T) {
	sender := &fakeSender{}
	n := NewMCPNotifier(sender, NewSessionRegistry())

	ok, err := n.Send(runCtx("user-1"), "hello", "info")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sender.sent)

	ok, err = n.Send(context.Background(), "hello", "info")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMCPNotifier_ExpiredSessionIsForgotten(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("user-1", "sess-1")
	n := NewMCPNotifier(&fakeSender{err: server.ErrSessionNotFound}, sessions)

	ok, err := n.Send(runCtx("user-1"), "hello", "info")
	require.NoError(t, err)
	assert.False(t, ok)
	_, found := sessions.SessionFor("user-1")
	assert.False(t, found)
}

func TestMCPNotifier_SendError(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("user-1", "sess-1")
	n := NewMCPNotifier(&fakeSender{err: errors.New("pipe closed")}, sessions)

	ok, err := n.Send(runCtx("user-1"), "hello", "error")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "error", logLevel("error"))
	assert.Equal(t, "warning", logLevel("warning"))
	assert.Equal(t, "notice", logLevel("success"))
	assert.Equal(t, "info", logLevel("info"))
	assert.Equal(t, "info", logLevel(""))
}
