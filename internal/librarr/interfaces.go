package librarr

import (
	"context"
	"encoding/json"
	"time"
)

// JobRepository persists job records. Implementations must make every Save
// durable before returning so a crash never loses an acknowledged mutation.
type JobRepository interface {
	LoadAll(ctx context.Context) ([]Job, error)
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, jobID string) error
}

// Source is a searchable content source plugin. The orchestrator never
// inspects a plugin beyond this surface.
type Source interface {
	Name() string
	Label() string
	Enabled() bool
	// Tab is the search catalogue the source belongs to ("main" or
	// "audiobook").
	Tab() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// JobProgress lets a download mechanism report progress on its job without
// touching the store directly.
type JobProgress interface {
	SetDetail(detail string)
	Complete(detail string)
}

// Downloader is implemented by sources that handle their own download
// mechanism. Payload carries the search result the caller selected.
type Downloader interface {
	Download(ctx context.Context, payload json.RawMessage, progress JobProgress) error
}

// Worker executes one unit of download work for a job. Implementations must
// recover their own failures into job state rather than returning errors
// past their boundary.
type Worker interface {
	Run(ctx context.Context, jobID string, payload json.RawMessage)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
