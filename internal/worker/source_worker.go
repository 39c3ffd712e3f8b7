// Package worker executes download attempts for jobs handed off by the
// retry scheduler or created directly by the API.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/scheduler"
	"github.com/JeremiahM37/librarr/internal/telemetry"
)

// RetryKindSource is the retry kind handled by SourceWorker.
const RetryKindSource = "source"

// SourcePayload is the stored retry payload for source downloads: which
// source to call and the opaque data it needs to resume.
type SourcePayload struct {
	SourceName string          `json:"source_name"`
	Data       json.RawMessage `json:"data"`
}

// SourceGetter resolves a source plugin by name.
type SourceGetter interface {
	Get(name string) (librarr.Source, bool)
}

// SourceWorker runs one download attempt against a source plugin. Every
// failure path ends in the scheduler so the job always lands in retry_wait
// or dead_letter rather than being silently dropped.
type SourceWorker struct {
	sources SourceGetter
	store   *jobstore.Store
	sched   *scheduler.Scheduler
	tracker *health.Tracker
	logger  *zap.Logger
}

func NewSourceWorker(
	sources SourceGetter,
	store *jobstore.Store,
	sched *scheduler.Scheduler,
	tracker *health.Tracker,
	logger *zap.Logger,
) *SourceWorker {
	return &SourceWorker{
		sources: sources,
		store:   store,
		sched:   sched,
		tracker: tracker,
		logger:  logger,
	}
}

// Run executes one attempt. It never returns an error; outcomes are written
// to job state, the health tracker, and the metrics registry.
func (w *SourceWorker) Run(ctx context.Context, jobID string, rawPayload json.RawMessage) {
	var payload SourcePayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		w.fail(ctx, jobID, fmt.Sprintf("Invalid retry payload: %v", err), rawPayload)
		return
	}

	src, ok := w.sources.Get(payload.SourceName)
	if !ok {
		w.fail(ctx, jobID, fmt.Sprintf("Unknown source: %s", payload.SourceName), rawPayload)
		return
	}
	dl, ok := src.(librarr.Downloader)
	if !ok {
		w.fail(ctx, jobID, fmt.Sprintf("Source %s cannot download", payload.SourceName), rawPayload)
		return
	}

	if err := w.store.SetStatus(ctx, jobID, librarr.JobStatusDownloading); err != nil {
		w.logger.Error("failed to mark job downloading",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	err := dl.Download(ctx, payload.Data, &progressReporter{ctx: ctx, store: w.store, jobID: jobID, logger: w.logger})
	if err == nil {
		w.tracker.RecordSuccess(payload.SourceName, librarr.KindDownload)
		telemetry.ObserveSourceDownload(payload.SourceName, "ok")
		return
	}

	w.logger.Error("download failed",
		zap.String("job_id", jobID),
		zap.String("source", payload.SourceName),
		zap.Error(err))
	w.tracker.RecordFailure(payload.SourceName, err.Error(), librarr.KindDownload)
	telemetry.ObserveSourceDownload(payload.SourceName, "error")

	// A downloader may complete its job before failing on cleanup; a
	// completed job never goes back into the retry loop.
	if job, found := w.store.Get(jobID); found && job.Status == librarr.JobStatusCompleted {
		return
	}
	w.fail(ctx, jobID, err.Error(), rawPayload)
}

func (w *SourceWorker) fail(ctx context.Context, jobID, errText string, payload json.RawMessage) {
	if _, err := w.sched.ScheduleOrDeadLetter(ctx, jobID, scheduler.Failure{
		Error:        errText,
		RetryKind:    RetryKindSource,
		RetryPayload: payload,
	}); err != nil {
		w.logger.Error("failed to record download failure",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// progressReporter adapts job store updates to the JobProgress surface
// handed to downloaders.
type progressReporter struct {
	ctx    context.Context
	store  *jobstore.Store
	jobID  string
	logger *zap.Logger
}

func (p *progressReporter) SetDetail(detail string) {
	if _, err := p.store.Update(p.ctx, p.jobID, func(job *librarr.Job) {
		job.Detail = detail
	}); err != nil {
		p.logger.Warn("failed to update job detail",
			zap.String("job_id", p.jobID),
			zap.Error(err))
	}
}

func (p *progressReporter) Complete(detail string) {
	if _, err := p.store.Update(p.ctx, p.jobID, func(job *librarr.Job) {
		job.Status = librarr.JobStatusCompleted
		job.Detail = detail
		job.Error = ""
	}); err != nil {
		p.logger.Error("failed to complete job",
			zap.String("job_id", p.jobID),
			zap.Error(err))
	}
}
