package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/internal/steps"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/internal/streaming"
	"github.com/vallit/flowexec/pkg/schema"
)

// --- Mock implementations ---

// mockStore is an in-memory ExecutionStore that records every write.
type mockStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	runs      map[string]*store.Run
	created   int
	updates   []store.RunUpdate

	createErr error
	updateErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.Run),
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id, userID string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || (userID != "" && wf.UserID != userID) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created++
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	if m.updateErr != nil {
		return m.updateErr
	}
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	run.Status = update.Status
	run.OutputData = update.OutputData
	run.ErrorMessage = update.ErrorMessage
	completed := update.CompletedAt
	run.CompletedAt = &completed
	ms := update.ExecutionTimeMs
	run.ExecutionTimeMs = &ms
	return nil
}

func (m *mockStore) run(id string) *store.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// mockEventLog is an in-memory RunEventStore.
type mockEventLog struct {
	mu     sync.Mutex
	events []*store.RunEvent
}

func (m *mockEventLog) AppendRunEvent(_ context.Context, ev *store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *mockEventLog) ListRunEvents(_ context.Context, runID string, since int64) ([]*store.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RunEvent
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockEventLog) types(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

type sentNote struct {
	message, kind string
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNote
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, message, kind string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	n.sent = append(n.sent, sentNote{message: message, kind: kind})
	return true, nil
}

// --- Test environment ---

type testEnv struct {
	store    *mockStore
	events   *mockEventLog
	notifier *recordingNotifier
	set      *steps.Set
	exec     Executor
}

func newTestEnv(t *testing.T, opts ...func(*ExecutorConfig)) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	env := &testEnv{
		store:    newMockStore(),
		events:   &mockEventLog{},
		notifier: &recordingNotifier{},
	}
	env.set = steps.NewSet(steps.Deps{Notifier: env.notifier, Logger: logger})
	// Collaborator-backed steps echo their resolved config unless a test says otherwise.
	env.set.AIAnalysis = steps.HandlerFunc(echo)
	env.set.ExternalAction = steps.HandlerFunc(echo)
	env.set.Webhook = steps.HandlerFunc(echo)

	var ids atomic.Int64
	cfg := ExecutorConfig{
		Store:    env.store,
		Steps:    env.set,
		Events:   env.events,
		Notifier: env.notifier,
		Logger:   logger,
		NewID:    func() string { return fmt.Sprintf("run-%d", ids.Add(1)) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.exec = NewExecutor(cfg)
	return env
}

func echo(_ context.Context, req *steps.Request) (any, error) {
	return req.Config, nil
}

func newWorkflow(steps ...schema.StepDefinition) *store.Workflow {
	return &store.Workflow{
		ID:     "wf-1",
		UserID: "user-1",
		Name:   "test workflow",
		Status: schema.WorkflowStatusActive,
		Definition: schema.WorkflowDefinition{
			Steps: steps,
		},
	}
}

func step(id string, t schema.StepType, next string, cfg map[string]any) schema.StepDefinition {
	s := schema.StepDefinition{ID: id, Type: t, Config: cfg}
	if next != "" {
		s.Next = &schema.Next{Step: next}
	}
	return s
}

func visited(res *ExecutionResult) []string {
	ids := make([]string, len(res.Results))
	for i, r := range res.Results {
		ids[i] = r.StepID
	}
	return ids
}

// --- Tests ---

func TestExecutor_LinearSuccess(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		step("a", schema.StepTypeAIAnalysis, "b", map[string]any{"n": 1}),
		step("b", schema.StepTypeWebhook, "c", map[string]any{"n": 2}),
		step("c", schema.StepTypeExternalAction, "", map[string]any{"n": 3}),
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", map[string]any{"x": 1})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b", "c"}, visited(res))
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))

	assert.Equal(t, 1, env.store.created)
	require.Len(t, env.store.updates, 1)
	run := env.store.run("run-1")
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, store.TriggerManual, run.TriggeredBy)
	assert.NotNil(t, run.CompletedAt)
	assert.NotNil(t, run.ExecutionTimeMs)
	assert.Contains(t, string(run.OutputData), `"step_id":"c"`)
}

func TestExecutor_ResultsFollowVisitationOrder(t *testing.T) {
	env := newTestEnv(t)
	// Declaration order differs from visitation order.
	wf := newWorkflow(
		step("first", schema.StepTypeDelay, "third", map[string]any{"delay_ms": 0}),
		schema.StepDefinition{ID: "second", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"third"}},
		schema.StepDefinition{ID: "third", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"first"}, Next: &schema.Next{Step: "second"}},
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"first", "third", "second"}, visited(res))
}

func TestExecutor_StepResultsFeedLaterTemplates(t *testing.T) {
	env := newTestEnv(t)
	env.set.AIAnalysis = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		return map[string]any{"score": 42, "label": "hot"}, nil
	})
	wf := newWorkflow(
		step("analyze", schema.StepTypeAIAnalysis, "notify", nil),
		step("notify", schema.StepTypeNotification, "", map[string]any{
			"message": "lead {{input.name}} is {{step_analyze.result.label}} ({{step_analyze.result.score}})",
			"type":    "success",
		}),
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", map[string]any{"name": "Ada"})

	require.True(t, res.Success, res.Error)
	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "lead Ada is hot (42)", env.notifier.sent[0].message)
	assert.Equal(t, map[string]any{"message": "lead Ada is hot (42)", "type": "success", "sent": true}, res.Results[1].Result)
}

func TestExecutor_SeedsWorkflowAndUserContext(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("a", schema.StepTypeWebhook, "", map[string]any{
		"who":  "{{user}}",
		"wf":   "{{workflow.name}}",
		"when": "{{timestamp}}",
	}))

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	out := res.Results[0].Result.(map[string]any)
	assert.Equal(t, "user-1", out["who"])
	assert.Equal(t, "test workflow", out["wf"])
	assert.NotEmpty(t, out["when"])
}

func TestExecutor_MappingRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("t", schema.StepTypeDataTransform, "", map[string]any{
		"mapping": map[string]any{"a": "input.x"},
	}))

	res := env.exec.Execute(context.Background(), wf, "user-1", map[string]any{"x": 5})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"a": 5}, res.Results[0].Result)
}

func TestExecutor_DelayZero(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("wait", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}))

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Results, 1)
	assert.Equal(t, map[string]any{"delay_ms": int64(0)}, res.Results[0].Result)
}

func TestExecutor_Branch(t *testing.T) {
	branchWorkflow := func() *store.Workflow {
		cond := &schema.Condition{Field: "{{input.score}}", Operator: schema.OpGreaterThan, Value: 50}
		a := schema.StepDefinition{
			ID:     "a",
			Type:   schema.StepTypeCondition,
			Config: map[string]any{"condition": map[string]any{"field": "{{input.score}}", "operator": "greater_than", "value": 50}},
			Next:   &schema.Next{Branch: &schema.Branch{Condition: cond, True: "b", False: "c"}},
		}
		return newWorkflow(a,
			schema.StepDefinition{ID: "b", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"a"}},
			schema.StepDefinition{ID: "c", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"a"}},
		)
	}

	t.Run("true side", func(t *testing.T) {
		env := newTestEnv(t)
		res := env.exec.Execute(context.Background(), branchWorkflow(), "user-1", map[string]any{"score": 80})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, []string{"a", "b"}, visited(res))
		assert.Equal(t, map[string]any{"condition_met": true}, res.Results[0].Result)
	})

	t.Run("false side", func(t *testing.T) {
		env := newTestEnv(t)
		res := env.exec.Execute(context.Background(), branchWorkflow(), "user-1", map[string]any{"score": 20})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, []string{"a", "c"}, visited(res))
	})
}

func TestExecutor_BranchEmptySideIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	a := schema.StepDefinition{
		ID:   "a",
		Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0},
		Next: &schema.Next{Branch: &schema.Branch{
			Condition: &schema.Condition{Field: "{{input.go}}", Operator: schema.OpExists},
			True:      "b",
		}},
	}
	wf := newWorkflow(a, schema.StepDefinition{ID: "b", Type: schema.StepTypeDelay, DependsOn: []string{"a"}})

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"a"}, visited(res))
}

func TestExecutor_CELBranch(t *testing.T) {
	env := newTestEnv(t)
	a := step("a", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0})
	a.Next = &schema.Next{Branch: &schema.Branch{
		Condition: &schema.Condition{Expression: `input.tier == "gold" && input.amount > 100`},
		True:      "gold",
		False:     "std",
	}}
	wf := newWorkflow(a,
		schema.StepDefinition{ID: "gold", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"a"}},
		schema.StepDefinition{ID: "std", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"a"}},
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", map[string]any{"tier": "gold", "amount": 250})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"a", "gold"}, visited(res))
}

func TestExecutor_HandlerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.set.Webhook = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	})
	wf := newWorkflow(
		step("a", schema.StepTypeDelay, "b", map[string]any{"delay_ms": 0}),
		step("b", schema.StepTypeWebhook, "c", nil),
		step("c", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}),
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeStepFailed, res.ErrorCode)
	assert.Equal(t, "b", res.FailedStep)
	assert.Contains(t, res.Error, "missing required param 'url'")
	assert.Equal(t, []string{"a"}, visited(res))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b", res.Errors[0].Step)

	require.Len(t, env.store.updates, 1)
	run := env.store.run(res.RunID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Equal(t, res.Error, run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
}

func TestExecutor_InactiveWorkflow(t *testing.T) {
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusPaused, schema.WorkflowStatusDraft} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			wf := newWorkflow(step("a", schema.StepTypeDelay, "", nil))
			wf.Status = status

			res := env.exec.Execute(context.Background(), wf, "user-1", nil)

			assert.False(t, res.Success)
			assert.Equal(t, schema.ErrCodeWorkflowNotActive, res.ErrorCode)
			assert.Empty(t, res.RunID)
			assert.Empty(t, res.Results)
			assert.Zero(t, env.store.created)
			assert.Empty(t, env.store.updates)
		})
	}
}

func TestExecutor_NoEntryStep(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		schema.StepDefinition{ID: "a", Type: schema.StepTypeDelay, DependsOn: []string{"b"}},
		schema.StepDefinition{ID: "b", Type: schema.StepTypeDelay, DependsOn: []string{"a"}},
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeNoEntryStep, res.ErrorCode)
	assert.Empty(t, res.Results)
	assert.Empty(t, env.store.updates, "no run record may leave running")
}

func TestExecutor_UnknownStepType(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		step("a", schema.StepTypeDelay, "b", map[string]any{"delay_ms": 0}),
		step("b", schema.StepType("teleport"), "", nil),
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeUnknownStepType, res.ErrorCode)
	assert.Equal(t, "b", res.FailedStep)
	assert.Equal(t, []string{"a"}, visited(res))
}

func TestExecutor_UnresolvedNextTarget(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("a", schema.StepTypeDelay, "ghost", map[string]any{"delay_ms": 0}))

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeUnresolvedBranchTarget, res.ErrorCode)
	assert.Equal(t, "a", res.FailedStep)
	assert.Contains(t, res.Error, "ghost")
	assert.Equal(t, []string{"a"}, visited(res))
	assert.Equal(t, schema.RunStatusFailed, env.store.run(res.RunID).Status)
}

func TestExecutor_LoopIsRejected(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		step("a", schema.StepTypeDelay, "b", map[string]any{"delay_ms": 0}),
		schema.StepDefinition{ID: "b", Type: schema.StepTypeDelay, Config: map[string]any{"delay_ms": 0}, DependsOn: []string{"a"}, Next: &schema.Next{Step: "a"}},
	)

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeConflict, res.ErrorCode)
	assert.Equal(t, []string{"a", "b"}, visited(res))
}

func TestExecutor_InputNotMutated(t *testing.T) {
	env := newTestEnv(t)
	env.set.Webhook = steps.HandlerFunc(func(_ context.Context, req *steps.Request) (any, error) {
		in := req.Input().(map[string]any)
		in["injected"] = true
		return nil, nil
	})
	wf := newWorkflow(step("a", schema.StepTypeWebhook, "", nil))
	input := map[string]any{"nested": map[string]any{"k": "v"}}

	res := env.exec.Execute(context.Background(), wf, "user-1", input)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, map[string]any{"nested": map[string]any{"k": "v"}}, input)

	// The stored input is a copy.
	input["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", env.store.run(res.RunID).InputData["nested"].(map[string]any)["k"])
}

func TestExecutor_RetrySucceeds(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.set.Webhook = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		if calls.Add(1) < 3 {
			return nil, schema.NewError(schema.ErrCodeExecution, "upstream 503")
		}
		return map[string]any{"status": 200}, nil
	})
	wf := newWorkflow(step("hook", schema.StepTypeWebhook, "", nil))
	wf.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 3}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, res.Results, 1)
	assert.Equal(t, 3, res.Results[0].Attempts)

	types := env.events.types(res.RunID)
	retries := 0
	for _, ty := range types {
		if ty == schema.EventStepRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecutor_RetryExhausted(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.set.Webhook = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeExecution, "upstream 503")
	})
	wf := newWorkflow(step("hook", schema.StepTypeWebhook, "", nil))
	wf.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 2, RetryBackoff: "constant", RetryDelay: "1ms"}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.ErrorCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, res.Results)
}

func TestExecutor_RetryCountIsCapped(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	// data_transform runs outside the breakers, so every attempt reaches the handler.
	env.set.DataTransform = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	wf := newWorkflow(step("t", schema.StepTypeDataTransform, "", nil))
	wf.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 1000}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, int32(MaxRetryCount+1), calls.Load())
}

func TestExecutor_NonRetryableSkipsRetry(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.set.ExternalAction = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeNotFound, "page not found")
	})
	wf := newWorkflow(step("page", schema.StepTypeExternalAction, "", nil))
	wf.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 5}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeStepFailed, res.ErrorCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("a", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := env.exec.Execute(ctx, wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.ErrorCode)
	assert.Empty(t, res.Results)
	require.Len(t, env.store.updates, 1)
	assert.Equal(t, schema.RunStatusCancelled, env.store.updates[0].Status)
	assert.Contains(t, env.events.types(res.RunID), schema.EventRunCancelled)
}

func TestExecutor_CancelDuringDelay(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		step("a", schema.StepTypeDelay, "b", map[string]any{"delay_ms": 0}),
		step("b", schema.StepTypeDelay, "", map[string]any{"delay_ms": 60000}),
	)

	done := make(chan *ExecutionResult, 1)
	go func() { done <- env.exec.Execute(context.Background(), wf, "user-1", nil) }()

	require.Eventually(t, func() bool { return env.exec.ActiveRuns() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.exec.Cancel("run-1"))

	select {
	case res := <-done:
		assert.Equal(t, schema.RunStatusCancelled, res.Status)
		assert.Equal(t, schema.ErrCodeCancelled, res.ErrorCode)
		assert.Equal(t, "b", res.FailedStep)
		assert.Equal(t, []string{"a"}, visited(res))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Zero(t, env.exec.ActiveRuns())
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(env.exec.Cancel("run-1")))
}

func TestExecutor_FallbackNotify(t *testing.T) {
	env := newTestEnv(t)
	env.set.Webhook = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad url")
	})
	wf := newWorkflow(step("hook", schema.StepTypeWebhook, "", nil))
	wf.Definition.ErrorHandling = schema.ErrorHandling{FallbackAction: schema.FallbackNotify}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	require.NotNil(t, res.Fallback)
	assert.True(t, res.Fallback.Notified)
	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "error", env.notifier.sent[0].kind)
	assert.Contains(t, env.notifier.sent[0].message, "bad url")
}

func TestExecutor_NotifierOutageDoesNotFailRun(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.err = errors.New("redis: connection refused")
	wf := newWorkflow(
		step("a", schema.StepTypeNotification, "b", map[string]any{"message": "hello"}),
		step("b", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}),
	)
	wf.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 3}

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"a", "b"}, visited(res))
	assert.Equal(t, map[string]any{"message": "hello", "type": "info", "sent": true}, res.Results[0].Result)
	assert.Equal(t, 1, res.Results[0].Attempts)
}

func TestExecutor_CircuitBreakerOpens(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	env := newTestEnv(t, func(c *ExecutorConfig) { c.Breakers = breakers })

	var calls atomic.Int32
	env.set.Webhook = steps.HandlerFunc(func(context.Context, *steps.Request) (any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeExecution, "upstream 502")
	})
	wf := newWorkflow(step("hook", schema.StepTypeWebhook, "", nil))

	first := env.exec.Execute(context.Background(), wf, "user-1", nil)
	second := env.exec.Execute(context.Background(), wf, "user-1", nil)
	third := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.Equal(t, schema.ErrCodeStepFailed, first.ErrorCode)
	assert.Equal(t, schema.ErrCodeStepFailed, second.ErrorCode)
	assert.Equal(t, schema.ErrCodeCircuitOpen, third.ErrorCode)
	assert.Equal(t, "hook", third.FailedStep)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, env.events.types(second.RunID), schema.EventCircuitBreakerOpen)

	// Other step types keep running.
	ok := env.exec.Execute(context.Background(), newWorkflow(step("d", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0})), "user-1", nil)
	assert.True(t, ok.Success)
}

func TestExecutor_BreakerIsolatesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var healthyCalls atomic.Int32
	env.set.Webhook = steps.HandlerFunc(func(_ context.Context, req *steps.Request) (any, error) {
		if req.Config["url"] == "https://down.example.com/hook" {
			return nil, schema.NewError(schema.ErrCodeExecution, "upstream 503")
		}
		healthyCalls.Add(1)
		return map[string]any{"status": 200}, nil
	})

	failing := newWorkflow(step("a", schema.StepTypeWebhook, "", map[string]any{"url": "https://down.example.com/hook"}))
	failing.Definition.ErrorHandling = schema.ErrorHandling{RetryCount: 4, RetryBackoff: "constant", RetryDelay: "1ms"}
	res := env.exec.Execute(context.Background(), failing, "user-a", nil)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.ErrorCode)

	healthy := newWorkflow(step("a", schema.StepTypeWebhook, "", map[string]any{"url": "https://up.example.com/hook"}))
	healthy.ID, healthy.UserID = "wf-2", "user-b"
	res = env.exec.Execute(context.Background(), healthy, "user-b", nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(1), healthyCalls.Load())

	// Five attempts in one run count once, so the failing host stays reachable.
	res = env.exec.Execute(context.Background(), failing, "user-a", nil)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.ErrorCode)
}

func TestExecutor_CreateRunFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.createErr = errors.New("disk full")
	wf := newWorkflow(step("a", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}))

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeStore, res.ErrorCode)
	assert.Contains(t, res.Error, "disk full")
	assert.Empty(t, res.RunID)
	assert.Empty(t, env.store.updates)
}

func TestExecutor_UpdateRunFailureKeepsEnvelope(t *testing.T) {
	env := newTestEnv(t)
	env.store.updateErr = errors.New("locked")
	wf := newWorkflow(step("a", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}))

	res := env.exec.Execute(context.Background(), wf, "user-1", nil)

	assert.True(t, res.Success)
	assert.Len(t, env.store.updates, 1)
}

func TestExecutor_ExecuteWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(step("a", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}))
	env.store.workflows[wf.ID] = wf

	res, err := env.exec.ExecuteWorkflow(WithTrigger(context.Background(), store.TriggerAPI), wf.ID, "user-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, store.TriggerAPI, env.store.run(res.RunID).TriggeredBy)

	_, err = env.exec.ExecuteWorkflow(context.Background(), wf.ID, "someone-else", nil)
	assert.True(t, schema.IsNotFound(err))

	_, err = env.exec.ExecuteWorkflow(context.Background(), "missing", "user-1", nil)
	assert.True(t, schema.IsNotFound(err))
}

func TestExecutor_EventSequence(t *testing.T) {
	hub := streaming.NewMemoryHub()
	env := newTestEnv(t, func(c *ExecutorConfig) { c.Hub = hub })

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	wf := newWorkflow(
		step("a", schema.StepTypeDelay, "b", map[string]any{"delay_ms": 0}),
		step("b", schema.StepTypeDelay, "", map[string]any{"delay_ms": 0}),
	)
	res := env.exec.Execute(context.Background(), wf, "user-1", nil)
	require.True(t, res.Success, res.Error)

	want := []string{
		schema.EventRunStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventRunCompleted,
	}
	assert.Equal(t, want, env.events.types("run-1"))

	var got []string
	for range want {
		select {
		case ev := <-ch:
			assert.Equal(t, "wf-1", ev.WorkflowID)
			assert.Equal(t, "user-1", ev.UserID)
			got = append(got, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("missing hub event")
		}
	}
	assert.Equal(t, want, got)
}

func TestExecutor_ConcurrentRunsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	wf := newWorkflow(
		step("a", schema.StepTypeDataTransform, "b", map[string]any{"mapping": map[string]any{"n": "input.n"}}),
		step("b", schema.StepTypeWebhook, "", map[string]any{"n": "{{step_a.result.n}}"}),
	)

	const runs = 20
	results := make([]*ExecutionResult, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.exec.Execute(context.Background(), wf, "user-1", map[string]any{"n": i})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, res := range results {
		require.True(t, res.Success, res.Error)
		assert.EqualValues(t, i, res.Results[1].Result.(map[string]any)["n"])
		seen[res.RunID] = true
	}
	assert.Len(t, seen, runs)
	assert.Equal(t, runs, env.store.created)
}
