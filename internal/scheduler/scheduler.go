// Package scheduler decides whether a failed job gets another attempt and
// re-dispatches jobs whose retry delay has elapsed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/telemetry"
)

// Config controls retry pacing.
type Config struct {
	// BackoffBase is multiplied by the attempt number to produce the wait
	// before that attempt, so delays grow linearly.
	BackoffBase time.Duration
	// PollInterval is how often the run loop scans for due jobs.
	PollInterval time.Duration
}

// Scheduler owns the retry_wait -> queued edge. Workers are keyed by the
// job's retry kind; a job whose kind has no registered worker can never run
// again and is moved straight to the dead-letter state.
type Scheduler struct {
	cfg     Config
	store   *jobstore.Store
	clock   librarr.Clock
	logger  *zap.Logger
	workers map[string]librarr.Worker
}

func New(cfg Config, store *jobstore.Store, clock librarr.Clock, logger *zap.Logger) *Scheduler {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		logger:  logger,
		workers: make(map[string]librarr.Worker),
	}
}

// RegisterWorker binds a retry kind to the worker that executes it.
// Registration happens during wiring, before Run starts.
func (s *Scheduler) RegisterWorker(kind string, worker librarr.Worker) {
	s.workers[kind] = worker
}

// Failure describes a failed attempt. RetryKind and RetryPayload, when set,
// replace the job's stored retry instructions so the next dispatch replays
// the same work.
type Failure struct {
	Error        string
	RetryKind    string
	RetryPayload json.RawMessage
}

// ScheduleOrDeadLetter records a failed attempt for the job. While the job
// has retries left it parks in retry_wait with a linear backoff; once the
// budget is spent it moves to dead_letter and stays there until an operator
// intervenes.
func (s *Scheduler) ScheduleOrDeadLetter(ctx context.Context, jobID string, failure Failure) (librarr.Job, error) {
	now := s.clock.Now()
	return s.store.Update(ctx, jobID, func(job *librarr.Job) {
		job.RetryCount++
		job.Error = failure.Error
		job.FailureHistory = jobstore.AppendFailure(job.FailureHistory, librarr.FailureRecord{
			TS:    now,
			Error: failure.Error,
		})
		if failure.RetryKind != "" {
			job.RetryKind = failure.RetryKind
		}
		if failure.RetryPayload != nil {
			job.RetryPayload = failure.RetryPayload
		}

		if job.RetryCount <= job.MaxRetries {
			delay := s.cfg.BackoffBase * time.Duration(job.RetryCount)
			at := now.Add(delay)
			job.Status = librarr.JobStatusRetryWait
			job.NextRetryAt = &at
			job.Detail = fmt.Sprintf("Retry %d/%d scheduled in %ds",
				job.RetryCount, job.MaxRetries, int(delay.Seconds()))
			return
		}

		job.Status = librarr.JobStatusDeadLetter
		job.NextRetryAt = nil
		job.Detail = fmt.Sprintf("Moved to dead-letter after %d retries", job.RetryCount-1)
	})
}

// Run polls for due retry_wait jobs until ctx is cancelled. Dispatch errors
// are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.clock.Now()
	for _, job := range s.store.List() {
		if job.Status != librarr.JobStatusRetryWait {
			continue
		}
		if job.NextRetryAt == nil || job.NextRetryAt.After(now) {
			continue
		}
		if err := s.Dispatch(ctx, job.ID); err != nil {
			s.logger.Error("retry dispatch failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// Dispatch moves the job back to queued and hands it to its worker in a new
// goroutine. It is also the entry point for operator-initiated retries, so
// it does not require the job to be due.
func (s *Scheduler) Dispatch(ctx context.Context, jobID string) error {
	job, ok := s.store.Get(jobID)
	if !ok {
		return jobstore.ErrNotFound
	}

	worker, known := s.workers[job.RetryKind]
	if !known {
		telemetry.ObserveRetryDispatch("unknown_kind")
		s.logger.Warn("no worker for retry kind, dead-lettering job",
			zap.String("job_id", job.ID),
			zap.String("retry_kind", job.RetryKind))
		_, err := s.store.Update(ctx, jobID, func(j *librarr.Job) {
			j.Status = librarr.JobStatusDeadLetter
			j.NextRetryAt = nil
			j.Error = fmt.Sprintf("No retry handler for kind=%s", j.RetryKind)
		})
		return err
	}

	updated, err := s.store.Update(ctx, jobID, func(j *librarr.Job) {
		j.Status = librarr.JobStatusQueued
		j.NextRetryAt = nil
		j.Error = ""
		j.Detail = fmt.Sprintf("Retrying (attempt %d)...", j.RetryCount+1)
	})
	if err != nil {
		telemetry.ObserveRetryDispatch("store_error")
		return err
	}

	telemetry.ObserveRetryDispatch("ok")
	go s.runWorker(ctx, worker, updated)
	return nil
}

// runWorker isolates worker panics so one bad payload cannot take the
// process down with it.
func (s *Scheduler) runWorker(ctx context.Context, worker librarr.Worker, job librarr.Job) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.ObserveRetryDispatch("panic")
			s.logger.Error("retry worker panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
			if _, err := s.ScheduleOrDeadLetter(ctx, job.ID, Failure{Error: fmt.Sprintf("worker panic: %v", r)}); err != nil {
				s.logger.Error("failed to record worker panic",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}
	}()
	worker.Run(ctx, job.ID, job.RetryPayload)
}
