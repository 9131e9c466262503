// Package api hosts the optional status server for a running crawl.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the run's page and download counters.
package api
