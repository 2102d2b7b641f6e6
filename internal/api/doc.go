// Package api hosts the watchdog status server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping of the watchdog gauges.
//   - GET /v1/state for the persisted watchdog state and the last cycle.
//   - POST /v1/evidence to capture an evidence snapshot on demand.
package api
