// Package librarr defines core types shared across subsystems.
package librarr

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusSearching   JobStatus = "searching"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusImporting   JobStatus = "importing"
	JobStatusRetryWait   JobStatus = "retry_wait"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
	JobStatusDeadLetter  JobStatus = "dead_letter"
)

// History caps; the oldest entries are evicted first.
const (
	MaxFailureHistory = 10
	MaxStatusHistory  = 25
)

// StatusChange records a single status transition on a job.
type StatusChange struct {
	From JobStatus `json:"from"`
	To   JobStatus `json:"to"`
	TS   time.Time `json:"ts"`
}

// FailureRecord captures one failure observed on a job.
type FailureRecord struct {
	TS    time.Time `json:"ts"`
	Error string    `json:"error"`
}

// Job represents the persisted record of one requested download.
type Job struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Title  string    `json:"title"`
	Source string    `json:"source"`

	// Error is set only on failure paths and cleared when a retry starts.
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	RetryCount int `json:"retry_count"`
	// MaxRetries is snapshotted at creation so later config changes do not
	// retroactively alter in-flight jobs.
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	FailureHistory []FailureRecord `json:"failure_history,omitempty"`
	StatusHistory  []StatusChange  `json:"status_history,omitempty"`

	// RetryKind and RetryPayload tell the scheduler which worker to
	// re-invoke and with what arguments.
	RetryKind    string          `json:"retry_kind,omitempty"`
	RetryPayload json.RawMessage `json:"retry_payload,omitempty"`

	TargetNames []string `json:"target_names,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (j Job) Clone() Job {
	cp := j
	if j.NextRetryAt != nil {
		t := *j.NextRetryAt
		cp.NextRetryAt = &t
	}
	if j.LastErrorAt != nil {
		t := *j.LastErrorAt
		cp.LastErrorAt = &t
	}
	cp.FailureHistory = append([]FailureRecord(nil), j.FailureHistory...)
	cp.StatusHistory = append([]StatusChange(nil), j.StatusHistory...)
	cp.RetryPayload = append(json.RawMessage(nil), j.RetryPayload...)
	cp.TargetNames = append([]string(nil), j.TargetNames...)
	return cp
}

// Result is a single search hit returned by a source.
type Result struct {
	// Category groups results for filtering and dedup ("torrent",
	// "audiobook", "ebook", ...). Quality comparison happens per category.
	Category string `json:"source"`

	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human,omitempty"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Indexer   string `json:"indexer,omitempty"`

	DownloadURL string `json:"download_url,omitempty"`
	MagnetURL   string `json:"magnet_url,omitempty"`
	InfoHash    string `json:"info_hash,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	GUID        string `json:"guid,omitempty"`

	// SourceName is the plugin that produced the hit; set by the
	// orchestrator when the plugin leaves it empty.
	SourceName string `json:"source_name,omitempty"`
}

// HealthKind distinguishes the two tracked operation classes per source.
type HealthKind string

// Supported health kinds.
const (
	KindSearch   HealthKind = "search"
	KindDownload HealthKind = "download"
)

// SourceHealth is a point-in-time snapshot of one source's rolling stats.
type SourceHealth struct {
	SearchOK           int        `json:"search_ok"`
	SearchFail         int        `json:"search_fail"`
	DownloadOK         int        `json:"download_ok"`
	DownloadFail       int        `json:"download_fail"`
	SearchFailStreak   int        `json:"search_fail_streak"`
	DownloadFailStreak int        `json:"download_fail_streak"`
	CircuitOpenUntil   time.Time  `json:"circuit_open_until"`
	LastError          string     `json:"last_error,omitempty"`
	LastErrorKind      HealthKind `json:"last_error_kind,omitempty"`
	LastErrorAt        time.Time  `json:"last_error_at"`
	LastSuccessAt      time.Time  `json:"last_success_at"`
	Score              float64    `json:"score"`

	// Derived fields populated by Snapshot.
	CircuitOpen       bool `json:"circuit_open"`
	CircuitRetryInSec int  `json:"circuit_retry_in_sec"`
}
