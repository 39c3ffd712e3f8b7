// Package memory provides an in-memory job repository for development and
// testing.
package memory

import (
	"context"
	"sync"

	"github.com/JeremiahM37/librarr/internal/librarr"
)

// JobRepo keeps job records in a map. Saved jobs are deep-copied so callers
// cannot mutate stored state.
type JobRepo struct {
	mu   sync.RWMutex
	jobs map[string]librarr.Job
}

// NewJobRepo constructs a JobRepo.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]librarr.Job)}
}

// LoadAll returns copies of every stored job.
func (r *JobRepo) LoadAll(_ context.Context) ([]librarr.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]librarr.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

// Save upserts the job.
func (r *JobRepo) Save(_ context.Context, job librarr.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes the job; deleting an absent id is a no-op.
func (r *JobRepo) Delete(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	return nil
}
