package driver

import (
	"context"
	"io/fs"
	"os"
)

// Engine is the compute collaborator of one rank.
type Engine interface {
	// Init runs once per process before the first fill.
	Init(ctx context.Context) error
	// Reset clears simulation state before a (soft) restart.
	Reset(step uint64)
	// Populate fills the initial state and returns the first step. When
	// restart is set, state for step was already restored by the notifier.
	Populate(ctx context.Context, step uint64, restart bool) (uint64, error)
	// Advance computes step. It may leave work on the executor.
	Advance(ctx context.Context, step uint64) error
	// CheckMovingBoundary runs before plugins are notified of step.
	CheckMovingBoundary(step uint64)
}

// Notifier fans control loop events out to plugins.
type Notifier interface {
	Notify(ctx context.Context, step uint64) error
	Checkpoint(ctx context.Context, step uint64, dir string) error
	Restore(ctx context.Context, step uint64, dir string) error
}

// Executor holds the asynchronous work of one rank.
type Executor interface {
	Quiesce(ctx context.Context) error
}

// MkdirFunc creates a directory tree.
type MkdirFunc func(path string, perm fs.FileMode) error

var defaultMkdir MkdirFunc = os.MkdirAll
