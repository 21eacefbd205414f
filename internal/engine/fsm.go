package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/vallit/flowexec/pkg/schema"
)

// TransitionHook is called before or after a state transition of the entity id.
// A before hook returning an error vetoes the transition.
type TransitionHook func(ctx context.Context, id, from, to string) error

type hookKey[S ~string] struct {
	from, to S
}

// machine validates transitions against a table and runs hooks around them.
type machine[S ~string] struct {
	kind   string
	table  map[S][]S
	mu     sync.Mutex
	before map[hookKey[S]][]TransitionHook
	after  map[hookKey[S]][]TransitionHook
}

func newMachine[S ~string](kind string, table map[S][]S) *machine[S] {
	return &machine[S]{
		kind:   kind,
		table:  table,
		before: make(map[hookKey[S]][]TransitionHook),
		after:  make(map[hookKey[S]][]TransitionHook),
	}
}

func (m *machine[S]) onBefore(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.before[k] = append(m.before[k], hook)
}

func (m *machine[S]) onAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.after[k] = append(m.after[k], hook)
}

func (m *machine[S]) valid(from, to S) bool {
	return slices.Contains(m.table[from], to)
}

func (m *machine[S]) transition(ctx context.Context, id string, from, to S) error {
	if !m.valid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", m.kind, from, to).
			WithDetails(map[string]any{m.kind + "_id": id, "from": string(from), "to": string(to)})
	}

	m.mu.Lock()
	k := hookKey[S]{from, to}
	before := slices.Clone(m.before[k])
	after := slices.Clone(m.after[k])
	m.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, id, string(from), string(to)); err != nil {
			return err
		}
	}
	for _, hook := range after {
		if err := hook(ctx, id, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// ValidRunTransitions allows a run to leave running exactly once.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidWorkflowTransitions defines how a stored workflow's status may change.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusDraft:  {schema.WorkflowStatusActive, schema.WorkflowStatusPaused},
	schema.WorkflowStatusActive: {schema.WorkflowStatusPaused, schema.WorkflowStatusDraft},
	schema.WorkflowStatusPaused: {schema.WorkflowStatusActive, schema.WorkflowStatusDraft},
}

// RunFSM guards the run record lifecycle.
type RunFSM struct {
	m *machine[schema.RunStatus]
}

// NewRunFSM creates a RunFSM over ValidRunTransitions.
func NewRunFSM() *RunFSM {
	return &RunFSM{m: newMachine("run", ValidRunTransitions)}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) { f.m.onBefore(from, to, hook) }

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) { f.m.onAfter(from, to, hook) }

// Transition validates from -> to and runs the hooks. The caller persists the
// new status.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	return f.m.transition(ctx, runID, from, to)
}

// WorkflowFSM guards workflow activation changes.
type WorkflowFSM struct {
	m *machine[schema.WorkflowStatus]
}

// NewWorkflowFSM creates a WorkflowFSM over ValidWorkflowTransitions.
func NewWorkflowFSM() *WorkflowFSM {
	return &WorkflowFSM{m: newMachine("workflow", ValidWorkflowTransitions)}
}

func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates from -> to and runs the hooks. Setting a workflow to
// the status it already has is a no-op.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	if from == to && to.Valid() {
		return nil
	}
	return f.m.transition(ctx, workflowID, from, to)
}
