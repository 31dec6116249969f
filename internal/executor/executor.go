// Package executor runs asynchronous tasks for one rank and lets the
// control loop wait for all of them at synchronization points.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/simctl/internal/core/domain"
)

// Task is a unit of asynchronous work.
type Task func(ctx context.Context) error

// Executor schedules tasks with bounded concurrency.
//
// Tasks submitted between two Quiesce calls form one batch. The first error
// of a batch cancels the batch context and is returned by Quiesce.
type Executor struct {
	parent context.Context
	limit  int

	mu     sync.Mutex
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	n      int
}

// New returns an executor running at most limit tasks at once. A limit
// below 1 means unbounded.
func New(ctx context.Context, limit int) *Executor {
	e := &Executor{parent: ctx, limit: limit}
	e.reset()
	return e
}

func (e *Executor) reset() {
	ctx, cancel := context.WithCancel(e.parent)
	g, gctx := errgroup.WithContext(ctx)
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}
	e.group = g
	e.ctx = gctx
	e.cancel = cancel
	e.n = 0
}

// Go schedules task. It blocks while the concurrency limit is reached.
func (e *Executor) Go(task Task) {
	e.mu.Lock()
	g, ctx := e.group, e.ctx
	e.n++
	e.mu.Unlock()

	g.Go(func() error {
		return task(ctx)
	})
}

// Pending returns the number of tasks submitted since the last Quiesce.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Quiesce blocks until every submitted task has finished and starts a new
// batch. It returns ErrQuiesceFailed wrapping the first task error.
func (e *Executor) Quiesce(ctx context.Context) error {
	e.mu.Lock()
	g, cancel := e.group, e.cancel
	e.reset()
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			return domain.ErrQuiesceFailed.WithCause(err)
		}
		return nil
	case <-ctx.Done():
		cancel()
		return domain.ErrQuiesceFailed.WithDetails("interrupted").WithCause(ctx.Err())
	}
}
