package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/metrics"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

// DefaultInterval is how often the store is polled for due jobs.
const DefaultInterval = 60 * time.Second

// Job outcomes recorded in last_run_status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Runner starts a workflow run. Satisfied by engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]any) (*engine.ExecutionResult, error)
}

// Config holds the scheduler's collaborators. Store and Runner are required.
type Config struct {
	Store  store.ScheduleStore
	Runner Runner
	// Pool bounds concurrent scheduled runs. Nil runs jobs inline on the tick.
	Pool     *engine.WorkerPool
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Interval time.Duration
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store    store.ScheduleStore
	runner   Runner
	pool     *engine.WorkerPool
	metrics  *metrics.Metrics
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		pool:     cfg.Pool,
		metrics:  cfg.Metrics,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With("component", "scheduler"),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every enabled job whose next_run_at has passed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list scheduled jobs", "error", err)
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		s.dispatch(ctx, job, now)
	}
}

// dispatch hands one due job to the pool. A job still running from an earlier
// tick is not started twice.
func (s *Scheduler) dispatch(ctx context.Context, job *store.ScheduledJob, now time.Time) {
	if !s.tryAcquire(job.ID) {
		return
	}

	if s.pool == nil {
		defer s.releaseJob(job.ID)
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("run scheduled job", "job_id", job.ID, "error", err)
		}
		return
	}

	err := s.pool.TrySubmit(ctx, func(ctx context.Context) error {
		defer s.releaseJob(job.ID)
		return s.runJob(ctx, job, now)
	})
	if err != nil {
		s.releaseJob(job.ID)
		if errors.Is(err, engine.ErrPoolFull) {
			// Leave next_run_at alone so the next tick picks the job up again.
			s.metrics.ScheduleFired(StatusSkipped)
			s.logger.Warn("worker pool full, deferring scheduled job", "job_id", job.ID)
			return
		}
		s.logger.Error("submit scheduled job", "job_id", job.ID, "error", err)
	}
}

// runJob executes a scheduled job and records its outcome.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With("job_id", job.ID, "workflow_id", job.WorkflowID)
	log.Info("running scheduled job")

	ctx = engine.WithTrigger(ctx, store.TriggerSchedule)
	res, err := s.runner.ExecuteWorkflow(ctx, job.WorkflowID, job.UserID, job.InputData)

	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusError
		log.Error("scheduled workflow could not start", "error", err)
	case !res.Success:
		status = StatusFailed
		log.Warn("scheduled run failed", "run_id", res.RunID, "error", res.Error)
	default:
		log.Info("scheduled run completed", "run_id", res.RunID, "execution_time_ms", res.ExecutionTimeMs)
	}
	s.metrics.ScheduleFired(status)

	return s.updateJobStatus(context.WithoutCancel(ctx), job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job as in flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Schedule validates job's cron expression, fills in its id and first
// next_run_at, and stores it.
func (s *Scheduler) Schedule(ctx context.Context, job *store.ScheduledJob) error {
	if job.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires a workflow_id")
	}
	now := s.now()
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.NextRunAt = &next
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	return s.store.CreateScheduledJob(ctx, job)
}

// Stop shuts down the scheduling loop and cancels the runs it started.
// Shut the pool down to wait for them to record their outcome.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every job whose next_run_at passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("recover missed job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return nil
}
