package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/yndnr/simctl/internal/storage/statestore"
)

// Name implements plugin.Plugin.
func (e *Engine) Name() string { return "sim" }

// Notify implements plugin.Plugin.
func (e *Engine) Notify(context.Context, uint64) error { return nil }

// Checkpoint stores the rank state of step in the rank's store under dir.
// The executor must be quiesced.
func (e *Engine) Checkpoint(_ context.Context, step uint64, dir string) error {
	s, err := e.store(dir)
	if err != nil {
		return err
	}
	return s.Put(step, e.Snapshot())
}

// Restore loads the rank state of step from the rank's store under dir.
func (e *Engine) Restore(_ context.Context, step uint64, dir string) error {
	s, err := e.store(dir)
	if err != nil {
		return err
	}
	var st State
	if err := s.Get(step, &st); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return fmt.Errorf("sim: rank %d has no state for step %d in %s: %w", e.rank, step, dir, err)
		}
		return err
	}
	e.hits.Store(st.Hits)
	e.samples.Store(st.Samples)
	e.slides = st.Slides
	e.logger.Debug("state restored", "step", step, "samples", st.Samples)
	return nil
}

func (e *Engine) store(dir string) (*statestore.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.stores[dir]; ok {
		return s, nil
	}
	s, err := statestore.Open(statestore.RankDir(dir, e.rank), e.logger)
	if err != nil {
		return nil, err
	}
	e.stores[dir] = s
	return s, nil
}

// Close closes every open state store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for dir, s := range e.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.stores, dir)
	}
	return errors.Join(errs...)
}
