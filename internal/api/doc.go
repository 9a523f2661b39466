// Package api hosts the operator status server that runs alongside a getter run.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the current run's progress.
package api
