package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/pkg/schema"
)

func TestAppendRunEvent_MonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s, "u1"), time.Time{})

	for i := 0; i < 5; i++ {
		e := &RunEvent{RunID: run.ID, StepID: "s1", Type: schema.EventStepStarted}
		require.NoError(t, s.AppendRunEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestAppendRunEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "u1")
	r1 := seedRun(t, s, wf, time.Time{})
	r2 := seedRun(t, s, wf, time.Time{})

	require.NoError(t, s.AppendRunEvent(ctx, &RunEvent{RunID: r1.ID, Type: schema.EventRunStarted}))
	require.NoError(t, s.AppendRunEvent(ctx, &RunEvent{RunID: r1.ID, Type: schema.EventRunCompleted}))
	e := &RunEvent{RunID: r2.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendRunEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestAppendRunEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s, "u1"), time.Time{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendRunEvent(ctx, &RunEvent{RunID: run.ID, Type: schema.EventStepStarted, StepID: "s1"}))
		}()
	}
	wg.Wait()

	events, err := s.ListRunEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestListRunEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s, "u1"), time.Time{})

	for _, et := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventRunCompleted} {
		require.NoError(t, s.AppendRunEvent(ctx, &RunEvent{RunID: run.ID, StepID: "s1", Type: et}))
	}

	events, err := s.ListRunEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, schema.EventStepCompleted, events[0].Type)
}

func TestReplayRunEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedWorkflow(t, s, "u1"), time.Time{})

	t0 := time.Now().UTC()
	events := []*RunEvent{
		{Type: schema.EventRunStarted, Timestamp: t0},
		{StepID: "fetch", Type: schema.EventStepStarted, Timestamp: t0},
		{StepID: "fetch", Type: schema.EventStepRetrying, Timestamp: t0.Add(10 * time.Millisecond)},
		{StepID: "fetch", Type: schema.EventStepStarted, Timestamp: t0.Add(20 * time.Millisecond)},
		{StepID: "fetch", Type: schema.EventStepCompleted, Timestamp: t0.Add(50 * time.Millisecond)},
		{StepID: "notify", Type: schema.EventStepStarted, Timestamp: t0.Add(60 * time.Millisecond)},
		{StepID: "notify", Type: schema.EventStepFailed, Payload: []byte(`{"error":"smtp down"}`), Timestamp: t0.Add(70 * time.Millisecond)},
	}
	for _, e := range events {
		e.RunID = run.ID
		require.NoError(t, s.AppendRunEvent(ctx, e))
	}

	traces, err := ReplayRunEvents(ctx, s, run.ID)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	assert.Equal(t, "fetch", traces[0].StepID)
	assert.Equal(t, "completed", traces[0].Status)
	assert.Equal(t, 2, traces[0].Attempts)
	assert.InDelta(t, 50, traces[0].DurationMs, 1)

	assert.Equal(t, "notify", traces[1].StepID)
	assert.Equal(t, "failed", traces[1].Status)
	assert.Equal(t, "smtp down", traces[1].Error)
}

type gappyEvents struct{}

func (gappyEvents) AppendRunEvent(context.Context, *RunEvent) error { return nil }
func (gappyEvents) ListRunEvents(context.Context, string, int64) ([]*RunEvent, error) {
	return []*RunEvent{{Sequence: 1}, {Sequence: 3}}, nil
}

func TestReplayRunEvents_DetectsGap(t *testing.T) {
	_, err := ReplayRunEvents(context.Background(), gappyEvents{}, "r")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}
