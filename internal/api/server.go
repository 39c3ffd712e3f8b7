package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/config"
	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/ratelimit"
	"github.com/JeremiahM37/librarr/internal/scheduler"
	"github.com/JeremiahM37/librarr/internal/search"
	"github.com/JeremiahM37/librarr/internal/sources"
	"github.com/JeremiahM37/librarr/internal/telemetry"
	"github.com/JeremiahM37/librarr/internal/worker"
)

// Server wires HTTP handlers to the job store, scheduler, and orchestrator.
type Server struct {
	router       chi.Router
	store        *jobstore.Store
	sched        *scheduler.Scheduler
	orchestrator *search.Orchestrator
	registry     *sources.Registry
	tracker      *health.Tracker
	sourceWorker librarr.Worker
	idGen        librarr.IDGenerator
	logger       *zap.Logger
	cfg          config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store *jobstore.Store,
	sched *scheduler.Scheduler,
	orchestrator *search.Orchestrator,
	registry *sources.Registry,
	tracker *health.Tracker,
	sourceWorker librarr.Worker,
	idGen librarr.IDGenerator,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	s := &Server{
		store:        store,
		sched:        sched,
		orchestrator: orchestrator,
		registry:     registry,
		tracker:      tracker,
		sourceWorker: sourceWorker,
		idGen:        idGen,
		logger:       logger,
		cfg:          cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(recoverMiddleware(logger))
	// Longer than the audiobook search deadline so slow fan-outs still
	// return their partial results.
	r.Use(timeoutMiddleware(90 * time.Second))
	if cfg.RateLimit.Enabled {
		r.Use(rateLimitMiddleware(ratelimit.New(ratelimit.Config{
			Window:   cfg.RateLimitWindow(),
			Default:  cfg.RateLimit.Default,
			API:      cfg.RateLimit.API,
			Search:   cfg.RateLimit.Search,
			Download: cfg.RateLimit.Download,
		})))
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.searchMain)
		r.Get("/search/audiobooks", s.searchAudiobooks)
		r.Get("/sources", s.listSources)
		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", s.listDownloads)
			r.Post("/", s.createDownload)
			r.Post("/clear", s.clearFinished)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Delete("/", s.deleteDownload)
				r.Post("/retry", s.retryDownload)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchResponse struct {
	Results        []librarr.Result `json:"results"`
	SearchTimeMS   int64            `json:"search_time_ms"`
	SkippedSources []string         `json:"skipped_sources,omitempty"`
	Sources        []sourceInfo     `json:"sources"`
}

func (s *Server) searchMain(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, "main")
}

func (s *Server) searchAudiobooks(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, "audiobook")
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, tab string) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "no query provided")
		return
	}
	resp := s.orchestrator.Search(r.Context(), tab, query)
	s.writeJSON(w, http.StatusOK, searchResponse{
		Results:        resp.Results,
		SearchTimeMS:   resp.SearchTimeMS,
		SkippedSources: resp.SkippedSources,
		Sources:        s.sourceInfos(),
	})
}

// sourceInfo joins registry metadata with the source's health snapshot.
type sourceInfo struct {
	sources.Meta
	Health librarr.SourceHealth `json:"health"`
}

func (s *Server) sourceInfos() []sourceInfo {
	snapshot := s.tracker.Snapshot()
	meta := s.registry.Metadata()
	out := make([]sourceInfo, 0, len(meta))
	for _, m := range meta {
		h, ok := snapshot[m.Name]
		if !ok {
			h = librarr.SourceHealth{Score: 100}
		}
		out = append(out, sourceInfo{Meta: m, Health: h})
	}
	return out
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.sourceInfos()})
}

type createDownloadRequest struct {
	Source      string          `json:"source"`
	Title       string          `json:"title"`
	TargetNames json.RawMessage `json:"target_names"`
	Data        json.RawMessage `json:"data"`
}

func (s *Server) createDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	src, ok := s.registry.Get(req.Source)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source: %s", req.Source))
		return
	}
	if !src.Enabled() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("source %q is not configured", src.Label()))
		return
	}
	if _, downloadable := src.(librarr.Downloader); !downloadable {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("source %q cannot download", src.Label()))
		return
	}

	title := req.Title
	if title == "" {
		title = "Unknown"
	}
	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate job id: %v", err))
		return
	}
	payload, err := json.Marshal(worker.SourcePayload{SourceName: req.Source, Data: req.Data})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	job := librarr.Job{
		ID:           jobID,
		Status:       librarr.JobStatusQueued,
		Title:        title,
		Source:       req.Source,
		MaxRetries:   s.cfg.Job.MaxRetries,
		RetryKind:    worker.RetryKindSource,
		RetryPayload: payload,
		TargetNames:  parseTargetNames(req.TargetNames),
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The attempt outlives the request; failures land in job state.
	go s.sourceWorker.Run(context.WithoutCancel(r.Context()), jobID, payload)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"job_id":  jobID,
		"title":   title,
	})
}

// parseTargetNames accepts either a JSON array of names or a single
// comma-separated string.
func parseTargetNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return trimNonEmpty(list)
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return trimNonEmpty(strings.Split(joined, ","))
	}
	return nil
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) listDownloads(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"downloads": s.store.List()})
}

func (s *Server) deleteDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.store.Delete(r.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// retryableStatuses are the only states an operator may retry from.
var retryableStatuses = map[librarr.JobStatus]struct{}{
	librarr.JobStatusError:      {},
	librarr.JobStatusDeadLetter: {},
	librarr.JobStatusRetryWait:  {},
}

func (s *Server) retryDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.store.Get(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if _, retryable := retryableStatuses[job.Status]; !retryable {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("job status %s not retryable", job.Status))
		return
	}
	if err := s.sched.Dispatch(context.WithoutCancel(r.Context()), jobID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, _ = s.store.Get(jobID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  jobID,
		"status":  string(job.Status),
	})
}

func (s *Server) clearFinished(w http.ResponseWriter, r *http.Request) {
	cleared := 0
	for _, job := range s.store.List() {
		if !librarr.IsTerminalStatus(job.Status) {
			continue
		}
		if err := s.store.Delete(r.Context(), job.ID); err != nil {
			s.logger.Warn("failed to clear finished job",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		cleared++
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		telemetry.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

// publicPaths lists the probe and scrape endpoints that bypass auth and
// rate limiting; a Kubernetes probe or Prometheus scraper carries neither
// an API key nor a per-client budget.
var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, public := publicPaths[r.URL.Path]; public {
				next.ServeHTTP(w, r)
				return
			}
			d := limiter.Check(clientIdentity(r), r.URL.Path)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			telemetry.ObserveRateLimited(d.Rule)
			retryAfter := int(d.RetryAfter / time.Second)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "Rate limit exceeded",
				"rule":        d.Rule,
				"limit":       d.Limit,
				"retry_after": retryAfter,
				"window_sec":  int(d.Window / time.Second),
			})
		})
	}
}

// clientIdentity prefers the proxy-reported address so limits follow the
// real client rather than the load balancer.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, public := publicPaths[r.URL.Path]; public {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
