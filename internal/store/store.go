package store

import "context"

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow loads a workflow. A non-empty userID restricts the lookup to
	// that owner; a workflow owned by someone else is reported as not found.
	GetWorkflow(ctx context.Context, id, userID string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	// UpdateRun applies the single terminal update of a running run.
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	WorkflowStats(ctx context.Context, workflowID string) (*WorkflowStats, error)
}

// RunEventStore is the append-only step lifecycle log.
type RunEventStore interface {
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)
}

// ScheduleStore persists cron jobs.
type ScheduleStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// ExecutionStore is what the executor needs from persistence.
type ExecutionStore interface {
	GetWorkflow(ctx context.Context, id, userID string) (*Workflow, error)
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	RunStore
	RunEventStore
	ScheduleStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

var _ Store = (*LibSQLStore)(nil)
