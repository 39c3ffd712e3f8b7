// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search and /v1/search/audiobooks for fan-out searches.
//   - GET /v1/sources for registry metadata joined with health snapshots.
//   - /v1/downloads for job submission, listing, retry, and cleanup.
package api
