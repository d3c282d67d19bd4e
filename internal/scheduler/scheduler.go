// Package scheduler runs plugin instances on cron schedules. Jobs pull
// their input rows from a Source and hand them to an Executor; results
// are discarded beyond the run log the executor itself keeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meterplug/meterplug/pkg/schema"
)

// Source supplies the input rows for one scheduled run.
type Source interface {
	Fetch(ctx context.Context) ([]schema.Record, error)
}

// SourceFunc adapts a plain function to a Source.
type SourceFunc func(ctx context.Context) ([]schema.Record, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]schema.Record, error) { return f(ctx) }

// Executor runs rows through a plugin pipeline. Satisfied by
// *plugin.Instance.
type Executor interface {
	Execute(ctx context.Context, rows []schema.Record) ([]schema.Record, error)
}

// Job binds a cron expression to a source and an executor.
type Job struct {
	ID             string
	Name           string
	CronExpression string
	Source         Source
	Executor       Executor
	Enabled        bool

	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastRunStatus string
}

// Scheduler ticks over an in-memory job table and runs due jobs.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job and computes its first run time. A missing ID is
// generated; the job's cron expression is validated up front.
func (s *Scheduler) Add(job *Job) (string, error) {
	if job.Source == nil || job.Executor == nil {
		return "", fmt.Errorf("job %q needs a source and an executor", job.Name)
	}
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return "", err
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("job %q already registered", job.ID)
	}
	job.NextRunAt = &next
	s.jobs[job.ID] = job
	return job.ID, nil
}

// Remove drops a job from the table. In-flight runs finish.
func (s *Scheduler) Remove(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.jobs, jobID)
}

// SetEnabled toggles a job without removing it.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %q", jobID)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled job whose next run time has arrived. Jobs
// run sequentially within the tick; a slow implementation delays the
// jobs after it until the next tick picks them up.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, job := range s.dueJobs(now) {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

func (s *Scheduler) dueJobs(now time.Time) []*Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	return due
}

// runJob fetches source rows, executes them, and updates the job's
// timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	status := "success"
	rows, err := job.Source.Fetch(ctx)
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job source failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else if _, err := job.Executor.Execute(ctx, rows); err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateJobStatus(job, now, status)
}

func (s *Scheduler) updateJobStatus(job *Job, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job.LastRunAt = &now
	job.NextRunAt = &nextRun
	job.LastRunStatus = status
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
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

// Stop gracefully shuts down the scheduler.
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

// RecoverMissed runs once, immediately, every enabled job whose next
// run time is already in the past.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := time.Now().UTC()
	recovered := 0
	for _, job := range s.dueJobs(now) {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			s.releaseJob(job.ID)
			continue
		}
		s.releaseJob(job.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
