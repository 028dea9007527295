// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a topic run, POST /v1/runs/stop to end it early.
//   - GET /v1/runs/current for the live state and counters.
package api
