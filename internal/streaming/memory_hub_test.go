package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		StepID:     "step-1",
		EventType:  schema.EventStepCompleted,
		Payload:    map[string]any{"result": "ok"},
	}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "step-1", got.StepID)
	assert.Equal(t, schema.EventStepCompleted, got.EventType)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByRunAndWorkflow(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1", RunID: "run-a"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", RunID: "run-a", EventType: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", RunID: "run-b", EventType: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", RunID: "run-a", EventType: schema.EventRunStarted}))

	got := receive(t, ch)
	assert.Equal(t, "run-a", got.RunID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assertNoEvent(t, ch)
}

func TestFilterByEventTypeAndUser(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		UserID:     "u1",
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{UserID: "u1", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{UserID: "u2", EventType: schema.EventRunFailed}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{UserID: "u1", EventType: schema.EventRunFailed}))

	assert.Equal(t, schema.EventRunFailed, receive(t, ch).EventType)
	assertNoEvent(t, ch)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{EventType: schema.EventRunStarted}))
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: schema.EventStepStarted}))
	}
	assert.Equal(t, uint64(5), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, hub.Publish(ctx, StreamEvent{EventType: schema.EventStepCompleted}))
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 20)
}

func TestHubNotifier(t *testing.T) {
	hub := NewMemoryHub()
	ctx := logging.WithRun(context.Background(), "wf-1", "run-1", "u1")
	ctx = logging.WithStepID(ctx, "notify")

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventNotification}})
	require.NoError(t, err)
	defer cancel()

	sent, err := NewHubNotifier(hub).Send(ctx, "disk almost full", "warning")
	require.NoError(t, err)
	assert.True(t, sent)

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "notify", got.StepID)
	assert.Equal(t, map[string]any{"message": "disk almost full", "type": "warning"}, got.Payload)
}
