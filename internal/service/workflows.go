package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vallit/flowexec/internal/diagram"
	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

// DefinitionValidator checks a definition and reports every issue found.
// Satisfied by validation.WorkflowValidator.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Scheduler registers cron jobs. Satisfied by scheduler.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, job *store.ScheduledJob) error
}

// Deps holds the collaborators of a Workflows service. Store, Executor and
// Validator are required.
type Deps struct {
	Store     store.Store
	Executor  engine.Executor
	Validator DefinitionValidator
	// Scheduler is optional. Without one, ScheduleWorkflow fails.
	Scheduler Scheduler
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Workflows is the management surface shared by the HTTP API, the MCP tools
// and the CLI. Every call is scoped to the calling user.
type Workflows struct {
	store     store.Store
	executor  engine.Executor
	validator DefinitionValidator
	scheduler Scheduler
	fsm       *engine.WorkflowFSM
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewWorkflows creates a Workflows service.
func NewWorkflows(d Deps) *Workflows {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Workflows{
		store:     d.Store,
		executor:  d.Executor,
		validator: d.Validator,
		scheduler: d.Scheduler,
		fsm:       engine.NewWorkflowFSM(),
		logger:    d.Logger.With("component", "workflows"),
		now:       d.Now,
		newID:     d.NewID,
	}
}

// DefineRequest describes a workflow to store.
type DefineRequest struct {
	UserID      string                    `json:"user_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Status      schema.WorkflowStatus     `json:"status,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
}

// Defined is the outcome of Define. Warnings never block storage.
type Defined struct {
	Workflow *store.Workflow          `json:"workflow"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// Define validates req.Definition and stores it as a new workflow. An invalid
// definition is rejected with a VALIDATION_ERROR listing every issue.
func (w *Workflows) Define(ctx context.Context, req DefineRequest) (*Defined, error) {
	if req.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_id is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	status := req.Status
	if status == "" {
		status = schema.WorkflowStatusActive
	}
	if !status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", status)
	}

	result := w.validator.Validate(&req.Definition)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	now := w.now()
	wf := &store.Workflow{
		ID:          w.newID(),
		UserID:      req.UserID,
		Name:        name,
		Description: req.Description,
		Status:      status,
		Definition:  req.Definition,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	w.logger.Info("workflow defined", "workflow_id", wf.ID, "user_id", wf.UserID,
		"steps", len(wf.Definition.Steps), "warnings", len(result.Warnings))
	return &Defined{Workflow: wf, Warnings: result.Warnings}, nil
}

// Validate checks a definition without storing it.
func (w *Workflows) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return w.validator.Validate(def)
}

// Get loads a workflow owned by userID.
func (w *Workflows) Get(ctx context.Context, id, userID string) (*store.Workflow, error) {
	return w.store.GetWorkflow(ctx, id, userID)
}

// List returns the workflows owned by userID, optionally filtered by status.
func (w *Workflows) List(ctx context.Context, userID string, status schema.WorkflowStatus, limit, offset int) ([]*store.Workflow, error) {
	filter := store.WorkflowFilter{UserID: userID, Limit: limit, Offset: offset}
	if status != "" {
		if !status.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", status)
		}
		filter.Status = &status
	}
	return w.store.ListWorkflows(ctx, filter)
}

// SetStatus moves a workflow between active, paused and draft.
func (w *Workflows) SetStatus(ctx context.Context, id, userID string, to schema.WorkflowStatus) (*store.Workflow, error) {
	if !to.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", to)
	}
	wf, err := w.store.GetWorkflow(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := w.fsm.Transition(ctx, id, wf.Status, to); err != nil {
		return nil, err
	}
	if wf.Status == to {
		return wf, nil
	}
	if err := w.store.UpdateWorkflow(ctx, id, store.WorkflowUpdate{Status: &to}); err != nil {
		return nil, err
	}

	w.logger.Info("workflow status changed", "workflow_id", id, "from", wf.Status, "to", to)
	wf.Status = to
	wf.UpdatedAt = w.now()
	return wf, nil
}

// UpdateRequest is an edit of a stored workflow. Nil fields keep their
// current value.
type UpdateRequest struct {
	Name        *string                    `json:"name,omitempty"`
	Description *string                    `json:"description,omitempty"`
	Status      *schema.WorkflowStatus     `json:"status,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
}

// Update edits a workflow owned by userID. A new definition goes through the
// same validation as Define; a new status through the workflow FSM. Runs
// already in flight keep the definition they loaded.
func (w *Workflows) Update(ctx context.Context, id, userID string, req UpdateRequest) (*Defined, error) {
	wf, err := w.store.GetWorkflow(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	var (
		update   store.WorkflowUpdate
		warnings []schema.ValidationIssue
	)
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "name must not be empty")
		}
		update.Name = &name
	}
	if req.Description != nil {
		update.Description = req.Description
	}
	if req.Status != nil && *req.Status != wf.Status {
		to := *req.Status
		if !to.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", to)
		}
		if err := w.fsm.Transition(ctx, id, wf.Status, to); err != nil {
			return nil, err
		}
		update.Status = &to
	}
	if req.Definition != nil {
		result := w.validator.Validate(req.Definition)
		if err := result.ToError(); err != nil {
			return nil, err
		}
		warnings = result.Warnings
		update.Definition = req.Definition
	}

	if update == (store.WorkflowUpdate{}) {
		return &Defined{Workflow: wf}, nil
	}
	if err := w.store.UpdateWorkflow(ctx, id, update); err != nil {
		return nil, err
	}

	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.Description != nil {
		wf.Description = *update.Description
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Definition != nil {
		wf.Definition = *update.Definition
	}
	wf.UpdatedAt = w.now()

	w.logger.Info("workflow updated", "workflow_id", id, "user_id", userID,
		"definition_changed", update.Definition != nil, "warnings", len(warnings))
	return &Defined{Workflow: wf, Warnings: warnings}, nil
}

// Delete removes a workflow owned by userID together with its runs.
func (w *Workflows) Delete(ctx context.Context, id, userID string) error {
	if _, err := w.store.GetWorkflow(ctx, id, userID); err != nil {
		return err
	}
	return w.store.DeleteWorkflow(ctx, id)
}

// Execute runs a workflow owned by userID. A failed run is not an error; it
// is reported in the envelope.
func (w *Workflows) Execute(ctx context.Context, id, userID string, input map[string]any) (*engine.ExecutionResult, error) {
	if input == nil {
		input = map[string]any{}
	}
	return w.executor.ExecuteWorkflow(ctx, id, userID, input)
}

// Runs lists the run history of userID, newest first.
func (w *Workflows) Runs(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = store.DefaultRunLimit
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run status %q", filter.Status)
	}
	return w.store.ListRuns(ctx, filter)
}

// Run loads one run owned by userID.
func (w *Workflows) Run(ctx context.Context, runID, userID string) (*store.Run, error) {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if userID != "" && run.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return run, nil
}

// RunEvents returns the step lifecycle log of a run owned by userID.
func (w *Workflows) RunEvents(ctx context.Context, runID, userID string, since int64) ([]*store.RunEvent, error) {
	if _, err := w.Run(ctx, runID, userID); err != nil {
		return nil, err
	}
	return w.store.ListRunEvents(ctx, runID, since)
}

// Cancel stops an in-flight run owned by userID.
func (w *Workflows) Cancel(ctx context.Context, runID, userID string) error {
	run, err := w.Run(ctx, runID, userID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, run.Status)
	}
	return w.executor.Cancel(runID)
}

// Stats aggregates the run history of a workflow owned by userID.
func (w *Workflows) Stats(ctx context.Context, id, userID string) (*store.WorkflowStats, error) {
	if _, err := w.store.GetWorkflow(ctx, id, userID); err != nil {
		return nil, err
	}
	return w.store.WorkflowStats(ctx, id)
}

// ScheduleRequest describes a cron trigger for a workflow.
type ScheduleRequest struct {
	CronExpression string         `json:"cron_expression"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Disabled       bool           `json:"disabled,omitempty"`
}

// ScheduleWorkflow registers a cron job running a workflow owned by userID.
func (w *Workflows) ScheduleWorkflow(ctx context.Context, id, userID string, req ScheduleRequest) (*store.ScheduledJob, error) {
	if w.scheduler == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "scheduler is disabled")
	}
	if _, err := w.store.GetWorkflow(ctx, id, userID); err != nil {
		return nil, err
	}
	job := &store.ScheduledJob{
		WorkflowID:     id,
		UserID:         userID,
		CronExpression: strings.TrimSpace(req.CronExpression),
		InputData:      req.InputData,
		Enabled:        !req.Disabled,
	}
	if err := w.scheduler.Schedule(ctx, job); err != nil {
		return nil, err
	}
	w.logger.Info("workflow scheduled", "workflow_id", id, "job_id", job.ID, "cron", job.CronExpression)
	return job, nil
}

// Schedules lists the cron jobs of userID, optionally for one workflow.
func (w *Workflows) Schedules(ctx context.Context, userID, workflowID string) ([]*store.ScheduledJob, error) {
	return w.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{UserID: userID, WorkflowID: workflowID})
}

// Unschedule deletes a cron job owned by userID.
func (w *Workflows) Unschedule(ctx context.Context, jobID, userID string) error {
	job, err := w.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return err
	}
	if userID != "" && job.UserID != userID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", jobID)
	}
	return w.store.DeleteScheduledJob(ctx, jobID)
}

// Diagram builds the step graph of a workflow. With a runID, the steps carry
// what that run did; the run must belong to the workflow.
func (w *Workflows) Diagram(ctx context.Context, id, userID, runID string) (*diagram.DiagramModel, error) {
	wf, err := w.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	var events []*store.RunEvent
	if runID != "" {
		run, err := w.Run(ctx, runID, userID)
		if err != nil {
			return nil, err
		}
		if run.WorkflowID != wf.ID {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found for workflow %s", runID, wf.ID)
		}
		if events, err = w.store.ListRunEvents(ctx, runID, 0); err != nil {
			return nil, err
		}
	}
	model, err := diagram.Build(wf.Name, &wf.Definition, events)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return model, nil
}
