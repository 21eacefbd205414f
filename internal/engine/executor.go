package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/internal/logging"
	"github.com/vallit/flowexec/internal/metrics"
	"github.com/vallit/flowexec/internal/steps"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/internal/streaming"
	"github.com/vallit/flowexec/pkg/schema"
)

// Executor runs workflows. Every call to Execute is one independent run;
// runs share nothing but the store, the circuit breakers and the event hub.
type Executor interface {
	// Execute runs wf for userID. It never returns an error: every failure,
	// including an inactive workflow, is reported in the result envelope.
	Execute(ctx context.Context, wf *store.Workflow, userID string, input map[string]any) *ExecutionResult

	// ExecuteWorkflow loads the workflow owned by userID and executes it.
	// Only a failed lookup is returned as an error.
	ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]any) (*ExecutionResult, error)

	// Cancel stops an in-flight run. The run ends with status cancelled.
	Cancel(runID string) error

	// ActiveRuns returns the number of runs currently executing.
	ActiveRuns() int
}

// ExecutionResult is the envelope returned for every run.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	RunID           string           `json:"run_id,omitempty"`
	Status          schema.RunStatus `json:"status,omitempty"`
	Results         []StepResult     `json:"results"`
	Error           string           `json:"error,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	FailedStep      string           `json:"failed_step,omitempty"`
	Errors          []StepError      `json:"errors,omitempty"`
	Fallback        *FallbackOutcome `json:"fallback,omitempty"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
}

// StepResult is the record of one visited step. It is also what templates
// see under step_<id>.
type StepResult struct {
	StepID    string          `json:"step_id"`
	Type      schema.StepType `json:"type"`
	Result    any             `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
}

// StepError tags a failure with the step it happened in.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// ExecutorConfig holds the executor's collaborators. Store and Steps are
// required; everything else is optional.
type ExecutorConfig struct {
	Store store.ExecutionStore
	Steps *steps.Set

	// Conditions evaluates next.branch conditions. Defaults to a CEL-enabled evaluator.
	Conditions *expressions.Evaluator
	// Events persists the per-run lifecycle log.
	Events store.RunEventStore
	// Hub receives lifecycle events for live subscribers.
	Hub streaming.EventHub
	// Breakers guards collaborator-calling step types. Defaults to a fresh registry.
	Breakers *CircuitBreakerRegistry
	Metrics  *metrics.Metrics
	// Notifier receives fallback_action=notify messages. Defaults to the log.
	Notifier steps.Notifier
	Logger   *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store      store.ExecutionStore
	steps      *steps.Set
	conditions *expressions.Evaluator
	breakers   *CircuitBreakerRegistry
	metrics    *metrics.Metrics
	notifier   steps.Notifier
	runFSM     *RunFSM
	events     *emitter
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates an Executor from cfg.
func NewExecutor(cfg ExecutorConfig) Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			cfg.Logger.Warn("CEL branch conditions disabled", "error", err)
		}
		cfg.Conditions = expressions.NewEvaluator(cel)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if cfg.Notifier == nil {
		cfg.Notifier = steps.NewLogNotifier(cfg.Logger)
	}

	e := &executorImpl{
		store:      cfg.Store,
		steps:      cfg.Steps,
		conditions: cfg.Conditions,
		breakers:   cfg.Breakers,
		metrics:    cfg.Metrics,
		notifier:   cfg.Notifier,
		runFSM:     NewRunFSM(),
		events:     &emitter{log: cfg.Events, hub: cfg.Hub, logger: cfg.Logger, now: cfg.Now},
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
		running:    make(map[string]context.CancelFunc),
	}

	e.breakers.OnOpen(func(ctx context.Context, key BreakerKey, failures int) {
		e.metrics.CircuitOpened(string(key.StepType))
		logging.LogWith(ctx, e.logger).Warn("circuit breaker opened",
			"step_type", string(key.StepType), "target", key.Target, "consecutive_failures", failures)
		e.events.emit(ctx, schema.EventCircuitBreakerOpen, logging.StepID(ctx), map[string]any{
			"step_type":            string(key.StepType),
			"target":               key.Target,
			"consecutive_failures": failures,
		})
	})
	return e
}

func (e *executorImpl) ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]any) (*ExecutionResult, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %s: %v", workflowID, err).WithCause(err)
	}
	return e.Execute(ctx, wf, userID, input), nil
}

func (e *executorImpl) Execute(ctx context.Context, wf *store.Workflow, userID string, input map[string]any) *ExecutionResult {
	started := e.now()
	res := &ExecutionResult{Results: []StepResult{}}

	if wf == nil {
		return res.fail(schema.NewError(schema.ErrCodeValidation, "workflow is nil"), started, e.now())
	}
	if wf.Status != schema.WorkflowStatusActive {
		err := schema.NewErrorf(schema.ErrCodeWorkflowNotActive,
			"workflow %s is %s; only active workflows can run", wf.ID, wf.Status).
			WithDetails(map[string]any{"workflow_id": wf.ID, "status": string(wf.Status)})
		return res.fail(err, started, e.now())
	}

	// A graph without an entry step is rejected before a run record exists.
	entry := wf.Definition.EntryStep()
	if entry == nil {
		err := schema.NewError(schema.ErrCodeNoEntryStep, "workflow has no entry step: every step declares depends_on")
		res.Errors = append(res.Errors, StepError{Error: err.Error()})
		return res.fail(err, started, e.now())
	}

	input = expressions.DeepCopy(input)
	if input == nil {
		input = map[string]any{}
	}
	trigger := TriggerFrom(ctx)

	run := &store.Run{
		ID:          e.newID(),
		WorkflowID:  wf.ID,
		UserID:      userID,
		Status:      schema.RunStatusRunning,
		InputData:   input,
		TriggeredBy: trigger,
		StartedAt:   started,
	}
	ctx = logging.WithRun(ctx, wf.ID, run.ID, userID)
	log := logging.LogWith(ctx, e.logger)

	if err := e.store.CreateRun(ctx, run); err != nil {
		log.Error("create run record", "error", err)
		ferr := schema.NewErrorf(schema.ErrCodeStore, "create run record: %v", err).WithCause(err)
		return res.fail(ferr, started, e.now())
	}
	res.RunID = run.ID

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(run.ID, cancel)
	defer e.untrack(run.ID)

	e.metrics.RunStarted(trigger)
	e.events.emit(ctx, schema.EventRunStarted, "", map[string]any{"trigger": trigger})
	log.Info("run started", "trigger", trigger, "steps", len(wf.Definition.Steps))

	scope := expressions.NewScope(input, workflowContext(wf), userID, started)
	runErr := e.walk(ctx, wf, entry, scope, res)

	status := schema.RunStatusCompleted
	switch {
	case runErr == nil:
	case schema.CodeOf(runErr) == schema.ErrCodeCancelled:
		status = schema.RunStatusCancelled
	default:
		status = schema.RunStatusFailed
	}

	if status == schema.RunStatusFailed {
		var stepID string
		if fe := (*schema.FlowError)(nil); errors.As(runErr, &fe) {
			stepID = fe.StepID
		}
		outcome := HandleStepFailure(ctx, e.notifier, wf.Definition.ErrorHandling, wf.Name, stepID, runErr)
		if outcome.Action != schema.FallbackFail {
			res.Fallback = &outcome
		}
	}

	e.finish(ctx, run, res, status, runErr, started)
	return res
}

// walk executes steps from entry until a terminal edge or an error.
func (e *executorImpl) walk(ctx context.Context, wf *store.Workflow, entry *schema.StepDefinition, scope *expressions.Scope, res *ExecutionResult) error {
	def := &wf.Definition
	current := entry
	visited := make(map[string]bool, len(def.Steps))
	for current != nil {
		if ctx.Err() != nil {
			err := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(current.ID).WithCause(ctx.Err())
			res.Errors = append(res.Errors, StepError{Step: current.ID, Error: err.Error()})
			return err
		}
		if visited[current.ID] {
			err := schema.NewErrorf(schema.ErrCodeConflict,
				"step %s reached twice; step graphs must not loop", current.ID).WithStep(current.ID)
			res.Errors = append(res.Errors, StepError{Step: current.ID, Error: err.Error()})
			return err
		}
		visited[current.ID] = true

		sr, err := e.runStep(ctx, wf, current, scope)
		if err == nil {
			err = scope.SetStepResult(current.ID, sr)
		}
		if err != nil {
			res.Errors = append(res.Errors, StepError{Step: current.ID, Error: err.Error()})
			return err
		}
		res.Results = append(res.Results, *sr)

		next, err := e.nextStep(ctx, def, current, scope)
		if err != nil {
			res.Errors = append(res.Errors, StepError{Step: current.ID, Error: err.Error()})
			return err
		}
		current = next
	}
	return nil
}

// runStep dispatches one step, retrying per the workflow's error_handling.
// A guarded step asks its breaker once; the retries that follow count as a
// single outcome.
func (e *executorImpl) runStep(ctx context.Context, wf *store.Workflow, step *schema.StepDefinition, scope *expressions.Scope) (*StepResult, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, e.logger).With("step_type", string(step.Type))

	handler, err := e.steps.Handler(step.Type)
	if err != nil {
		return nil, attribute(err, step.ID)
	}

	policy := wf.Definition.ErrorHandling.RetryPolicy()
	maxRetries := min(max(policy.Max, 0), MaxRetryCount)

	e.events.emit(ctx, schema.EventStepStarted, step.ID, map[string]any{"type": string(step.Type)})
	start := e.now()

	var (
		out      any
		attempts int
	)
	key, guarded := breakerKeyFor(step, scope)
	if guarded {
		err = e.breakers.Allow(key)
	}
	if err == nil {
		out, attempts, err = e.retry(ctx, log, step, handler, scope, policy, maxRetries)
		if guarded {
			e.recordOutcome(ctx, key, err)
		}
	}

	if err == nil {
		elapsed := e.now().Sub(start)
		e.metrics.StepFinished(string(step.Type), "ok", elapsed)
		e.events.emit(ctx, schema.EventStepCompleted, step.ID, map[string]any{
			"attempts":    attempts,
			"duration_ms": elapsed.Milliseconds(),
		})
		log.Debug("step completed", "attempts", attempts, "duration", elapsed)
		return &StepResult{
			StepID:    step.ID,
			Type:      step.Type,
			Result:    expressions.Normalize(out),
			Timestamp: e.now().UTC(),
			Attempts:  attempts,
		}, nil
	}

	stepErr := e.stepError(ctx, step, err, attempts, maxRetries)
	e.metrics.StepFinished(string(step.Type), "error", e.now().Sub(start))
	e.events.emit(ctx, schema.EventStepFailed, step.ID, map[string]any{
		"attempts": attempts,
		"code":     stepErr.Code,
		"error":    stepErr.Error(),
	})
	log.Error("step failed", "attempts", attempts, "error", stepErr)
	return nil, stepErr
}

// retry runs the handler until it succeeds, fails with a non-retryable error,
// or uses up maxRetries.
func (e *executorImpl) retry(ctx context.Context, log *slog.Logger, step *schema.StepDefinition, h steps.Handler, scope *expressions.Scope, policy *schema.RetryPolicy, maxRetries int) (any, int, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			e.metrics.StepRetried(string(step.Type))
			e.events.emit(ctx, schema.EventStepRetrying, step.ID, map[string]any{
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
			log.Warn("retrying step", "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, attempts, err
			}
		}

		attempts++
		req := &steps.Request{
			StepID: step.ID,
			Config: expressions.ResolveConfig(step.Config, scope),
			Raw:    expressions.DeepCopy(step.Config),
			Scope:  scope,
		}
		out, err := h.Handle(ctx, req)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err
		if !IsRetryableError(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, attempts, lastErr
}

// recordOutcome reports a guarded step's final result to its breaker.
// Cancelled runs report nothing.
func (e *executorImpl) recordOutcome(ctx context.Context, key BreakerKey, err error) {
	switch {
	case err == nil:
		e.breakers.RecordSuccess(key)
	case ctx.Err() != nil || schema.CodeOf(err) == schema.ErrCodeCancelled:
	case IsRetryableError(err):
		e.breakers.RecordFailure(ctx, key)
	default:
		// The collaborator answered; the request itself was bad.
		e.breakers.RecordSuccess(key)
	}
}

// stepError classifies the final error of a step.
func (e *executorImpl) stepError(ctx context.Context, step *schema.StepDefinition, err error, attempts, maxRetries int) *schema.FlowError {
	details := map[string]any{"step_type": string(step.Type), "attempts": attempts}
	if code := schema.CodeOf(err); code != "" {
		details["cause_code"] = code
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").
			WithStep(step.ID).WithCause(err).WithDetails(details)
	}

	switch schema.CodeOf(err) {
	case schema.ErrCodeCancelled, schema.ErrCodeCircuitOpen, schema.ErrCodeUnknownStepType:
		var fe *schema.FlowError
		errors.As(err, &fe)
		return attribute(fe, step.ID)
	}

	if maxRetries > 0 && attempts > maxRetries && IsRetryableError(err) {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s failed after %d attempts: %v", step.ID, attempts, err).
			WithStep(step.ID).WithCause(err).WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s step failed: %v", step.Type, err).
		WithStep(step.ID).WithCause(err).WithDetails(details)
}

// nextStep follows step.next. A nil result means the run is done.
func (e *executorImpl) nextStep(ctx context.Context, def *schema.WorkflowDefinition, step *schema.StepDefinition, scope *expressions.Scope) (*schema.StepDefinition, error) {
	if step.Next.Terminal() {
		return nil, nil
	}

	target := step.Next.Step
	if b := step.Next.Branch; b != nil {
		met, err := e.conditions.Evaluate(ctx, b.Condition, scope)
		if err != nil {
			return nil, attribute(err, step.ID)
		}
		target = b.False
		if met {
			target = b.True
		}
		if target == "" {
			return nil, nil
		}
	}

	next := def.StepByID(target)
	if next == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedBranchTarget,
			"step %s: next step %q does not exist", step.ID, target).
			WithStep(step.ID).
			WithDetails(map[string]any{"target": target})
	}
	return next, nil
}

// finish issues the single terminal update of the run record.
func (e *executorImpl) finish(ctx context.Context, run *store.Run, res *ExecutionResult, status schema.RunStatus, runErr error, started time.Time) {
	completed := e.now()
	elapsed := completed.Sub(started)
	log := logging.LogWith(ctx, e.logger)

	// The update must land even when the run itself was cancelled.
	ctx = context.WithoutCancel(ctx)

	res.Status = status
	res.ExecutionTimeMs = elapsed.Milliseconds()
	if runErr != nil {
		res.setError(runErr)
	} else {
		res.Success = true
	}

	update := store.RunUpdate{
		Status:          status,
		ErrorMessage:    res.Error,
		CompletedAt:     completed,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if out, err := json.Marshal(res.Results); err != nil {
		log.Warn("marshal run output", "error", err)
	} else {
		update.OutputData = out
	}

	if err := e.runFSM.Transition(ctx, run.ID, run.Status, status); err != nil {
		log.Error("run transition rejected", "error", err)
		return
	}
	if err := e.store.UpdateRun(ctx, run.ID, update); err != nil {
		log.Error("update run record", "status", string(status), "error", err)
	}
	run.Status = status

	e.metrics.RunFinished(string(status), elapsed)
	payload := map[string]any{"execution_time_ms": res.ExecutionTimeMs, "steps": len(res.Results)}
	switch status {
	case schema.RunStatusCompleted:
		e.events.emit(ctx, schema.EventRunCompleted, "", payload)
		log.Info("run completed", "steps", len(res.Results), "duration", elapsed)
	case schema.RunStatusCancelled:
		e.events.emit(ctx, schema.EventRunCancelled, res.FailedStep, payload)
		log.Warn("run cancelled", "step", res.FailedStep)
	default:
		payload["error"] = res.Error
		payload["error_code"] = res.ErrorCode
		e.events.emit(ctx, schema.EventRunFailed, res.FailedStep, payload)
		log.Error("run failed", "step", res.FailedStep, "error", res.Error)
	}
}

func (e *executorImpl) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not executing", runID)
	}
	cancel()
	return nil
}

func (e *executorImpl) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *executorImpl) track(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
}

func (e *executorImpl) untrack(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}

// fail fills a failure envelope for errors raised before any step ran.
func (r *ExecutionResult) fail(err error, started, now time.Time) *ExecutionResult {
	r.Success = false
	r.setError(err)
	r.ExecutionTimeMs = now.Sub(started).Milliseconds()
	return r
}

func (r *ExecutionResult) setError(err error) {
	r.Error = err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		r.ErrorCode = fe.Code
		r.FailedStep = fe.StepID
	}
}

// attribute tags err with stepID, wrapping non-FlowErrors as STEP_FAILED.
func attribute(err error, stepID string) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.StepID == "" {
			fe.StepID = stepID
		}
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%v", err).WithStep(stepID).WithCause(err)
}

// workflowContext is the "workflow" entry of the execution context.
func workflowContext(wf *store.Workflow) map[string]any {
	return map[string]any{
		"id":          wf.ID,
		"name":        wf.Name,
		"description": wf.Description,
		"status":      string(wf.Status),
		"user_id":     wf.UserID,
	}
}
