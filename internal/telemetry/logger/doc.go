// Package logger provides structured logging for simctl.
//
// It wraps log/slog with a small Logger interface, a process-wide dynamic
// level and context propagation of the run id and rank:
//
//   - logger.go: construction, levels and the default logger
//   - context.go: run id and rank propagation
//
// Library packages take a *slog.Logger; use Slog to obtain one.
package logger
