// Package telemetry exposes Prometheus collectors and the lifecycle event
// pipeline for the librarr service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_job_transitions_total",
			Help: "Job status transitions, labeled by from/to status and source.",
		},
		[]string{"from_status", "to_status", "source"},
	)

	jobInvalidTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_job_invalid_transitions_total",
			Help: "Rejected invalid job status transitions.",
		},
		[]string{"from_status", "to_status", "source"},
	)

	jobTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_job_terminal_total",
			Help: "Job terminal outcomes, labeled by status and source.",
		},
		[]string{"status", "source"},
	)

	jobRetryScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_job_retry_scheduled_total",
			Help: "Scheduled job retries, labeled by source.",
		},
		[]string{"source"},
	)

	retryDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_retry_dispatches_total",
			Help: "Retry dispatch attempts by the scheduler loop, labeled by result.",
		},
		[]string{"result"},
	)

	sourceSearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_source_search_total",
			Help: "Source search calls, labeled by source and result.",
		},
		[]string{"source", "result"},
	)

	sourceDownloadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_source_download_total",
			Help: "Source download outcomes, labeled by source and result.",
		},
		[]string{"source", "result"},
	)

	sourceCircuitEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_source_circuit_events_total",
			Help: "Circuit breaker open/close events per source.",
		},
		[]string{"source", "event"},
	)

	sourceSearchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librarr_source_search_duration_seconds",
			Help:    "Latency of individual source search calls.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 35, 60},
		},
		[]string{"source"},
	)

	httpRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librarr_http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by method, route, and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarr_http_rate_limited_total",
			Help: "Requests rejected by the API rate limiter, labeled by rule.",
		},
		[]string{"rule"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func sourceLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ObserveTransition counts an applied job status transition.
func ObserveTransition(from, to, source string) {
	jobTransitionsTotal.WithLabelValues(statusLabel(from), statusLabel(to), sourceLabel(source)).Inc()
}

// ObserveInvalidTransition counts a rejected job status transition.
func ObserveInvalidTransition(from, to, source string) {
	jobInvalidTransitionsTotal.WithLabelValues(statusLabel(from), statusLabel(to), sourceLabel(source)).Inc()
}

// ObserveTerminal counts a job reaching a terminal status.
func ObserveTerminal(status, source string) {
	jobTerminalTotal.WithLabelValues(statusLabel(status), sourceLabel(source)).Inc()
}

// ObserveRetryScheduled counts a job entering retry_wait.
func ObserveRetryScheduled(source string) {
	jobRetryScheduledTotal.WithLabelValues(sourceLabel(source)).Inc()
}

// ObserveRetryDispatch counts a scheduler dispatch attempt.
func ObserveRetryDispatch(result string) {
	retryDispatchesTotal.WithLabelValues(result).Inc()
}

// ObserveSourceSearch counts one search call outcome for a source.
func ObserveSourceSearch(source, result string) {
	sourceSearchTotal.WithLabelValues(sourceLabel(source), result).Inc()
}

// ObserveSourceDownload counts one download outcome for a source.
func ObserveSourceDownload(source, result string) {
	sourceDownloadTotal.WithLabelValues(sourceLabel(source), result).Inc()
}

// ObserveCircuitEvent counts a circuit breaker state change.
func ObserveCircuitEvent(source, event string) {
	sourceCircuitEventsTotal.WithLabelValues(sourceLabel(source), event).Inc()
}

// ObserveSearchDuration records the latency of one source search call.
func ObserveSearchDuration(source string, d time.Duration) {
	sourceSearchSeconds.WithLabelValues(sourceLabel(source)).Observe(d.Seconds())
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveRateLimited counts a request rejected by the rate limiter.
func ObserveRateLimited(rule string) {
	httpRateLimitedTotal.WithLabelValues(rule).Inc()
}
