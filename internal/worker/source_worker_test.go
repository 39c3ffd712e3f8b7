package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/scheduler"
	"github.com/JeremiahM37/librarr/internal/storage/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// downloadSource is a source plugin whose download either completes the job
// or returns downloadErr.
type downloadSource struct {
	name        string
	downloadErr error
	detail      string
}

func (s *downloadSource) Name() string  { return s.name }
func (s *downloadSource) Label() string { return s.name }
func (s *downloadSource) Enabled() bool { return true }
func (s *downloadSource) Tab() string   { return "main" }
func (s *downloadSource) Search(context.Context, string) ([]librarr.Result, error) {
	return nil, nil
}

func (s *downloadSource) Download(_ context.Context, _ json.RawMessage, progress librarr.JobProgress) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	progress.SetDetail("Fetching file...")
	progress.Complete(s.detail)
	return nil
}

type staticSources map[string]librarr.Source

func (s staticSources) Get(name string) (librarr.Source, bool) {
	src, ok := s[name]
	return src, ok
}

func newWorkerFixture(t *testing.T, sources staticSources) (*SourceWorker, *jobstore.Store, *health.Tracker) {
	t.Helper()
	store, err := jobstore.New(context.Background(), memory.NewJobRepo(), systemClock{}, nil, zap.NewNop(), jobstore.Config{MaxRetries: 2})
	require.NoError(t, err)
	sched := scheduler.New(scheduler.Config{BackoffBase: 60 * time.Second}, store, systemClock{}, zap.NewNop())
	tracker := health.NewTracker(health.Config{FailureThreshold: 3, OpenFor: 5 * time.Minute}, systemClock{}, nil)
	w := NewSourceWorker(sources, store, sched, tracker, zap.NewNop())
	sched.RegisterWorker(RetryKindSource, w)
	return w, store, tracker
}

func payloadFor(t *testing.T, sourceName string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(SourcePayload{SourceName: sourceName, Data: json.RawMessage(`{"title":"Dune"}`)})
	require.NoError(t, err)
	return raw
}

func seedQueuedJob(t *testing.T, store *jobstore.Store, id string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), librarr.Job{
		ID: id, Status: librarr.JobStatusQueued, Title: "Dune", Source: "prowlarr", MaxRetries: 2,
	}))
}

func TestSourceWorkerCompletesJob(t *testing.T) {
	src := &downloadSource{name: "prowlarr", detail: "Imported to library"}
	w, store, tracker := newWorkerFixture(t, staticSources{"prowlarr": src})
	seedQueuedJob(t, store, "j1")

	w.Run(context.Background(), "j1", payloadFor(t, "prowlarr"))

	job, _ := store.Get("j1")
	require.Equal(t, librarr.JobStatusCompleted, job.Status)
	require.Equal(t, "Imported to library", job.Detail)
	require.Empty(t, job.Error)
	require.Equal(t, 1, tracker.Snapshot()["prowlarr"].DownloadOK)
}

func TestSourceWorkerSchedulesRetryOnFailure(t *testing.T) {
	src := &downloadSource{name: "prowlarr", downloadErr: errors.New("tracker unreachable")}
	w, store, tracker := newWorkerFixture(t, staticSources{"prowlarr": src})
	seedQueuedJob(t, store, "j1")

	raw := payloadFor(t, "prowlarr")
	w.Run(context.Background(), "j1", raw)

	job, _ := store.Get("j1")
	require.Equal(t, librarr.JobStatusRetryWait, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Equal(t, "tracker unreachable", job.Error)
	require.Equal(t, RetryKindSource, job.RetryKind)
	require.JSONEq(t, string(raw), string(job.RetryPayload))
	require.Equal(t, 1, tracker.Snapshot()["prowlarr"].DownloadFail)
}

func TestSourceWorkerUnknownSource(t *testing.T) {
	w, store, _ := newWorkerFixture(t, staticSources{})
	seedQueuedJob(t, store, "j1")

	w.Run(context.Background(), "j1", payloadFor(t, "ghost"))

	job, _ := store.Get("j1")
	require.Equal(t, librarr.JobStatusRetryWait, job.Status)
	require.Equal(t, "Unknown source: ghost", job.Error)
}

func TestSourceWorkerBadPayload(t *testing.T) {
	w, store, _ := newWorkerFixture(t, staticSources{})
	seedQueuedJob(t, store, "j1")

	w.Run(context.Background(), "j1", json.RawMessage(`{broken`))

	job, _ := store.Get("j1")
	require.Equal(t, librarr.JobStatusRetryWait, job.Status)
	require.Contains(t, job.Error, "Invalid retry payload")
}

func TestSourceWorkerExhaustsRetriesIntoDeadLetter(t *testing.T) {
	src := &downloadSource{name: "prowlarr", downloadErr: errors.New("still down")}
	w, store, _ := newWorkerFixture(t, staticSources{"prowlarr": src})
	require.NoError(t, store.Create(context.Background(), librarr.Job{
		ID: "j1", Status: librarr.JobStatusQueued, Title: "Dune", Source: "prowlarr", MaxRetries: 1,
	}))
	raw := payloadFor(t, "prowlarr")

	// First attempt fails and schedules a retry.
	w.Run(context.Background(), "j1", raw)
	job, _ := store.Get("j1")
	require.Equal(t, librarr.JobStatusRetryWait, job.Status)

	// The retry runs and fails again, exhausting the budget.
	_, err := store.Update(context.Background(), "j1", func(j *librarr.Job) {
		j.Status = librarr.JobStatusQueued
	})
	require.NoError(t, err)
	w.Run(context.Background(), "j1", raw)

	job, _ = store.Get("j1")
	require.Equal(t, librarr.JobStatusDeadLetter, job.Status)
	require.Equal(t, 2, job.RetryCount)
	require.Len(t, job.FailureHistory, 2)
}
