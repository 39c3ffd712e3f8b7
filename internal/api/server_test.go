package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/config"
	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/scheduler"
	"github.com/JeremiahM37/librarr/internal/search"
	"github.com/JeremiahM37/librarr/internal/sources"
	"github.com/JeremiahM37/librarr/internal/storage/memory"
	"github.com/JeremiahM37/librarr/internal/worker"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return "generated-id", nil
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

// fakeSource searches and downloads deterministically.
type fakeSource struct {
	name      string
	tab       string
	enabled   bool
	results   []librarr.Result
	downloads counter
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (s *fakeSource) Name() string  { return s.name }
func (s *fakeSource) Label() string { return s.name }
func (s *fakeSource) Enabled() bool { return s.enabled }
func (s *fakeSource) Tab() string   { return s.tab }
func (s *fakeSource) Search(context.Context, string) ([]librarr.Result, error) {
	return s.results, nil
}

func (s *fakeSource) Download(_ context.Context, _ json.RawMessage, progress librarr.JobProgress) error {
	s.downloads.inc()
	progress.Complete("Imported")
	return nil
}

type fixture struct {
	server   *Server
	store    *jobstore.Store
	registry *sources.Registry
	source   *fakeSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := systemClock{}
	store, err := jobstore.New(context.Background(), memory.NewJobRepo(), clock, nil, zap.NewNop(), jobstore.Config{MaxRetries: 2})
	require.NoError(t, err)

	tracker := health.NewTracker(health.Config{FailureThreshold: 3, OpenFor: 5 * time.Minute}, clock, nil)
	registry := sources.NewRegistry(zap.NewNop())
	src := &fakeSource{name: "prowlarr", tab: "main", enabled: true, results: []librarr.Result{
		{Category: "torrent", Title: "Dune Frank Herbert", Seeders: 10, Size: 1_000_000},
	}}
	require.NoError(t, registry.Register(src))

	sched := scheduler.New(scheduler.Config{BackoffBase: 60 * time.Second}, store, clock, zap.NewNop())
	w := worker.NewSourceWorker(registry, store, sched, tracker, zap.NewNop())
	sched.RegisterWorker(worker.RetryKindSource, w)
	orch := search.NewOrchestrator(search.Config{MainTimeout: 2 * time.Second, AudiobookTimeout: 2 * time.Second}, registry, tracker, zap.NewNop())

	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080},
		Job:    config.JobConfig{MaxRetries: 2, RetryBackoffSeconds: 60},
	}
	server := NewServer(store, sched, orch, registry, tracker, w, &fakeIDGen{}, zap.NewNop(), cfg)
	return &fixture{server: server, store: store, registry: registry, source: src}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_Search(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/search?q=dune", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, "Dune Frank Herbert", resp.Results[0].Title)
	require.Len(t, resp.Sources, 1)
	require.Equal(t, float64(100), resp.Sources[0].Health.Score)
}

func TestServer_SearchRequiresQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/search?q=++", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no query provided")
}

func TestServer_CreateDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := []byte(`{"source":"prowlarr","title":"Dune","target_names":"shelf-a, shelf-b","data":{"magnet_url":"magnet:?xt=urn:btih:abc"}}`)
	rec := f.do(t, http.MethodPost, "/v1/downloads", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["job_id"].(string)
	require.NotEmpty(t, jobID)

	// The download runs asynchronously and completes the job.
	require.Eventually(t, func() bool {
		job, ok := f.store.Get(jobID)
		return ok && job.Status == librarr.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	job, _ := f.store.Get(jobID)
	require.Equal(t, []string{"shelf-a", "shelf-b"}, job.TargetNames)
	require.Equal(t, worker.RetryKindSource, job.RetryKind)
	require.Equal(t, 1, f.source.downloads.get())
}

func TestServer_CreateDownloadRejectsUnknownSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/downloads", []byte(`{"source":"ghost"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown source")
}

func TestServer_ListAndDeleteDownloads(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), librarr.Job{
		ID: "j1", Status: librarr.JobStatusQueued, Title: "Dune", Source: "prowlarr",
	}))

	rec := f.do(t, http.MethodGet, "/v1/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"j1"`)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/downloads/j1", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/downloads/j1", nil).Code)
}

func TestServer_RetryOnlyFromRetryableStates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), librarr.Job{
		ID: "done", Status: librarr.JobStatusCompleted, Title: "Dune", Source: "prowlarr",
	}))
	require.NoError(t, f.store.Create(context.Background(), librarr.Job{
		ID: "dead", Status: librarr.JobStatusDeadLetter, Title: "Dune", Source: "prowlarr",
		RetryKind: worker.RetryKindSource, RetryPayload: []byte(`{"source_name":"prowlarr","data":{}}`),
	}))

	rec := f.do(t, http.MethodPost, "/v1/downloads/done/retry", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "not retryable")

	rec = f.do(t, http.MethodPost, "/v1/downloads/dead/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)
	require.Eventually(t, func() bool {
		job, _ := f.store.Get("dead")
		return job.Status == librarr.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/downloads/ghost/retry", nil).Code)
}

func TestServer_ClearFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, j := range []librarr.Job{
		{ID: "c1", Status: librarr.JobStatusCompleted},
		{ID: "e1", Status: librarr.JobStatusError},
		{ID: "d1", Status: librarr.JobStatusDeadLetter},
		{ID: "q1", Status: librarr.JobStatusQueued},
	} {
		j.Title, j.Source = "Dune", "prowlarr"
		require.NoError(t, f.store.Create(context.Background(), j))
	}

	rec := f.do(t, http.MethodPost, "/v1/downloads/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cleared":3`)

	jobs := f.store.List()
	require.Len(t, jobs, 1)
	require.Equal(t, "q1", jobs[0].ID)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"prowlarr"`)
	require.Contains(t, rec.Body.String(), `"score":100`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := f.server.cfg
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekret"}
	secured := NewServer(f.server.store, f.server.sched, f.server.orchestrator, f.server.registry,
		f.server.tracker, f.server.sourceWorker, f.server.idGen, zap.NewNop(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	rec := httptest.NewRecorder()
	secured.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	secured.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probe and scrape endpoints stay reachable without a key.
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		secured.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_RateLimitMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := f.server.cfg
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, WindowSeconds: 60, Search: 2}
	limited := NewServer(f.server.store, f.server.sched, f.server.orchestrator, f.server.registry,
		f.server.tracker, f.server.sourceWorker, f.server.idGen, zap.NewNop(), cfg)

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:4242"
		rec := httptest.NewRecorder()
		limited.Handler().ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, do("/v1/search?q=dune").Code)
	require.Equal(t, http.StatusOK, do("/v1/search?q=dune").Code)

	rec := do("/v1/search?q=dune")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), `"rule":"search"`)

	// Probe endpoints and other rules are unaffected.
	require.Equal(t, http.StatusOK, do("/healthz").Code)
	require.Equal(t, http.StatusOK, do("/v1/sources").Code)

	// A different client keeps its own budget.
	req := httptest.NewRequest(http.MethodGet, "/v1/search?q=dune", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = httptest.NewRecorder()
	limited.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
