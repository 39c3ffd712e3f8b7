// Package jobstore implements the write-through job record store and its
// validated status state machine.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/telemetry"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// interruptedError is the fixed error text applied to jobs whose in-flight
// work was lost to a process restart.
const interruptedError = "Interrupted by restart"

// Config controls store defaults applied to new and recovered jobs.
type Config struct {
	// MaxRetries is snapshotted onto jobs created without an explicit value.
	MaxRetries int
}

// Store is a write-through cache over a JobRepository: every mutation is
// persisted synchronously before the call returns, so a crash loses at most
// the in-flight mutation. All methods are safe for concurrent use.
type Store struct {
	repo    librarr.JobRepository
	clock   librarr.Clock
	logger  *zap.Logger
	emitter telemetry.Emitter
	cfg     Config

	mu    sync.RWMutex
	jobs  map[string]librarr.Job
	locks map[string]*sync.Mutex
}

// New loads all persisted jobs and recovers stale ones: any job found in an
// in-progress status is forcibly marked failed, reflecting that its work was
// lost when the process stopped. This is the only status change that
// bypasses the transition table; it runs before the store is live.
func New(
	ctx context.Context,
	repo librarr.JobRepository,
	clock librarr.Clock,
	emitter telemetry.Emitter,
	logger *zap.Logger,
	cfg Config,
) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter{}
	}
	s := &Store{
		repo:    repo,
		clock:   clock,
		logger:  logger,
		emitter: emitter,
		cfg:     cfg,
		jobs:    make(map[string]librarr.Job),
		locks:   make(map[string]*sync.Mutex),
	}
	jobs, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	stale := 0
	for _, job := range jobs {
		if job.MaxRetries == 0 {
			job.MaxRetries = cfg.MaxRetries
		}
		if librarr.IsInProgressStatus(job.Status) {
			now := clock.Now()
			job.Status = librarr.JobStatusError
			job.Error = interruptedError
			job.LastErrorAt = &now
			if err := repo.Save(ctx, job); err != nil {
				return nil, fmt.Errorf("persist recovered job %s: %w", job.ID, err)
			}
			stale++
		}
		s.jobs[job.ID] = job
	}
	if len(s.jobs) > 0 {
		logger.Info("restored download jobs from database",
			zap.Int("jobs", len(s.jobs)),
			zap.Int("failed_by_restart", stale),
		)
	}
	return s, nil
}

// Create persists a new job. Missing defaults are filled in and the initial
// status is recorded in the job's status history.
func (s *Store) Create(ctx context.Context, job librarr.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.RLock()
	_, exists := s.jobs[job.ID]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.clock.Now()
	if job.MaxRetries == 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Status != "" {
		job.StatusHistory = appendStatusChange(job.StatusHistory, librarr.StatusChange{
			From: "", To: job.Status, TS: now,
		})
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	if job.Status != "" {
		s.recordTransition("", job)
	}
	return nil
}

// Get returns a copy of the job, if present.
func (s *Store) Get(id string) (librarr.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return librarr.Job{}, false
	}
	return job.Clone(), true
}

// List returns copies of all jobs in no particular order.
func (s *Store) List() []librarr.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]librarr.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Delete removes the job from the cache and the backing store.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// Update applies mutate to the job under a per-job lock and persists the
// result in a single durable write. A status change is validated against
// the transition table: an invalid change is dropped (the status field
// keeps its old value, a warning is logged, and the rejection counter is
// incremented) while the remaining field writes stand, matching the
// behavior of setting each field individually. The updated job is returned.
func (s *Store) Update(ctx context.Context, id string, mutate func(*librarr.Job)) (librarr.Job, error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return librarr.Job{}, ErrNotFound
	}

	next := cur.Clone()
	mutate(&next)
	next.ID = cur.ID
	next.StatusHistory = cur.StatusHistory

	statusChanged := next.Status != cur.Status
	if statusChanged {
		if !librarr.TransitionAllowed(cur.Status, next.Status) {
			telemetry.ObserveInvalidTransition(string(cur.Status), string(next.Status), cur.Source)
			s.logger.Warn("rejected invalid job status transition",
				zap.String("job_id", id),
				zap.String("from", string(cur.Status)),
				zap.String("to", string(next.Status)),
			)
			next.Status = cur.Status
			statusChanged = false
		} else {
			next.StatusHistory = appendStatusChange(next.StatusHistory, librarr.StatusChange{
				From: cur.Status, To: next.Status, TS: s.clock.Now(),
			})
		}
	}
	if next.Error != "" && next.Error != cur.Error {
		now := s.clock.Now()
		next.LastErrorAt = &now
	}

	if err := s.repo.Save(ctx, next); err != nil {
		return librarr.Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.mu.Lock()
	s.jobs[id] = next
	s.mu.Unlock()

	if statusChanged {
		s.recordTransition(cur.Status, next)
	}
	return next.Clone(), nil
}

// SetStatus transitions the job to the given status with no other changes.
func (s *Store) SetStatus(ctx context.Context, id string, status librarr.JobStatus) error {
	_, err := s.Update(ctx, id, func(job *librarr.Job) {
		job.Status = status
	})
	return err
}

func (s *Store) jobLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// recordTransition emits the counter and, for terminal and retry states,
// the structured event. Both are fire-and-forget.
func (s *Store) recordTransition(from librarr.JobStatus, job librarr.Job) {
	telemetry.ObserveTransition(string(from), string(job.Status), job.Source)
	if librarr.IsTerminalStatus(job.Status) {
		telemetry.ObserveTerminal(string(job.Status), job.Source)
	}
	if job.Status == librarr.JobStatusRetryWait {
		telemetry.ObserveRetryScheduled(job.Source)
	}
	if librarr.IsTerminalStatus(job.Status) || job.Status == librarr.JobStatusRetryWait {
		s.emitter.Emit("job_"+string(job.Status), map[string]any{
			"job_id":      job.ID,
			"title":       job.Title,
			"source":      job.Source,
			"status":      string(job.Status),
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
			"error":       job.Error,
			"detail":      job.Detail,
		})
	}
}

func appendStatusChange(history []librarr.StatusChange, change librarr.StatusChange) []librarr.StatusChange {
	history = append(history, change)
	if len(history) > librarr.MaxStatusHistory {
		history = history[len(history)-librarr.MaxStatusHistory:]
	}
	return history
}

// AppendFailure appends to the job's bounded failure history; the oldest
// entry is evicted first.
func AppendFailure(history []librarr.FailureRecord, rec librarr.FailureRecord) []librarr.FailureRecord {
	history = append(history, rec)
	if len(history) > librarr.MaxFailureHistory {
		history = history[len(history)-librarr.MaxFailureHistory:]
	}
	return history
}
