// Package httpserver provides the observability endpoint of a run.
//
// Endpoints:
//
//   - GET /metrics: Prometheus exposition
//   - GET /healthz: liveness, 503 once the run has failed
//   - GET /status: JSON view of every in-process rank
//
// Middleware chain: Recover, RequestID, Audit (debug level).
package httpserver
