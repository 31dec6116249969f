package logger

import "context"

type contextKey string

const (
	loggerKey contextKey = "simctl.logger"
	runIDKey  contextKey = "simctl.run_id"
	rankKey   contextKey = "simctl.rank"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context.
// Returns the default logger if none is set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return Default()
}

// WithRunID adds the run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRank adds the rank to the context.
func WithRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, rankKey, rank)
}

// RankFromContext extracts the rank from context. ok is false when unset.
func RankFromContext(ctx context.Context) (rank int, ok bool) {
	rank, ok = ctx.Value(rankKey).(int)
	return rank, ok
}

// L returns the context logger enriched with the run id and rank.
func L(ctx context.Context) Logger {
	l := FromContext(ctx)
	if id := RunIDFromContext(ctx); id != "" {
		l = l.With("run_id", id)
	}
	if rank, ok := RankFromContext(ctx); ok {
		l = l.With("rank", rank)
	}
	return l
}
