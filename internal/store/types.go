package store

import (
	"encoding/json"
	"time"

	"github.com/vallit/flowexec/pkg/schema"
)

// Workflow is a stored workflow definition owned by a user.
type Workflow struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"user_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Status      schema.WorkflowStatus     `json:"status"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Trigger sources recorded on a run.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerMCP      = "mcp"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	UserID          string           `json:"user_id"`
	Status          schema.RunStatus `json:"status"`
	InputData       map[string]any   `json:"input_data"`
	OutputData      json.RawMessage  `json:"output_data,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	TriggeredBy     string           `json:"triggered_by"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64           `json:"execution_time_ms,omitempty"`
}

// RunEvent is an immutable entry in a run's step lifecycle log.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// WorkflowStats aggregates the run history of one workflow.
type WorkflowStats struct {
	WorkflowID         string     `json:"workflow_id"`
	TotalRuns          int64      `json:"total_runs"`
	CompletedRuns      int64      `json:"completed_runs"`
	FailedRuns         int64      `json:"failed_runs"`
	CancelledRuns      int64      `json:"cancelled_runs"`
	RunningRuns        int64      `json:"running_runs"`
	SuccessRate        float64    `json:"success_rate"`
	AvgExecutionTimeMs float64    `json:"avg_execution_time_ms"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	UserID         string         `json:"user_id"`
	CronExpression string         `json:"cron_expression"`
	InputData      map[string]any `json:"input_data,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	UserID string                 `json:"user_id,omitempty"`
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name        *string                    `json:"name,omitempty"`
	Description *string                    `json:"description,omitempty"`
	Status      *schema.WorkflowStatus     `json:"status,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
}

// DefaultRunLimit caps run listings when the caller gives no limit.
const DefaultRunLimit = 50

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	UserID     string           `json:"user_id,omitempty"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// RunUpdate is the terminal update of a run. Status must be terminal.
type RunUpdate struct {
	Status          schema.RunStatus `json:"status"`
	OutputData      json.RawMessage  `json:"output_data,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CompletedAt     time.Time        `json:"completed_at"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
