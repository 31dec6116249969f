package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/yndnr/simctl/internal/executor"
	"github.com/yndnr/simctl/internal/storage/statestore"
)

func newEngine(t *testing.T, cfg Config, rank int) (*Engine, *executor.Executor) {
	t.Helper()
	exec := executor.New(context.Background(), 2)
	e := New(cfg, rank, exec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, exec
}

func run(t *testing.T, e *Engine, exec *executor.Executor, from, to uint64) {
	t.Helper()
	ctx := context.Background()
	for step := from; step < to; step++ {
		if err := e.Advance(ctx, step); err != nil {
			t.Fatal(err)
		}
	}
	if err := exec.Quiesce(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	cfg := Config{Seed: 7, Chunks: 3, Samples: 2000}
	a, ea := newEngine(t, cfg, 1)
	b, eb := newEngine(t, cfg, 1)
	run(t, a, ea, 0, 10)
	run(t, b, eb, 0, 10)

	if a.Snapshot() != b.Snapshot() {
		t.Fatalf("snapshots differ: %+v vs %+v", a.Snapshot(), b.Snapshot())
	}
	v, n := a.Estimate()
	if n != 10*3*2000 {
		t.Fatalf("samples = %d", n)
	}
	if math.Abs(v-math.Pi) > 0.1 {
		t.Fatalf("estimate %v too far from pi", v)
	}

	c, ec := newEngine(t, cfg, 2)
	run(t, c, ec, 0, 10)
	if c.Snapshot() == a.Snapshot() {
		t.Fatalf("ranks 1 and 2 drew identical samples")
	}
}

func TestEngine_CheckpointRestoreReproducesRun(t *testing.T) {
	cfg := Config{Seed: 3, Chunks: 2, Samples: 500}
	dir := t.TempDir()

	full, ef := newEngine(t, cfg, 0)
	run(t, full, ef, 0, 8)

	first, e1 := newEngine(t, cfg, 0)
	run(t, first, e1, 0, 4)
	ctx := context.Background()
	if err := first.Checkpoint(ctx, 4, dir); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	resumed, e2 := newEngine(t, cfg, 0)
	if err := resumed.Restore(ctx, 4, dir); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	start, err := resumed.Populate(ctx, 4, true)
	if err != nil || start != 4 {
		t.Fatalf("Populate = %d %v", start, err)
	}
	run(t, resumed, e2, start, 8)

	if resumed.Snapshot() != full.Snapshot() {
		t.Fatalf("resumed %+v, uninterrupted %+v", resumed.Snapshot(), full.Snapshot())
	}
}

func TestEngine_RestoreMissingStep(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig(), 0)
	err := e.Restore(context.Background(), 5, t.TempDir())
	if !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("Restore error = %v, want ErrNotFound", err)
	}
}

func TestEngine_MovingBoundary(t *testing.T) {
	e, _ := newEngine(t, Config{Seed: 1, Chunks: 1, Samples: 1, SlideEvery: 3}, 0)
	for step := uint64(0); step <= 10; step++ {
		e.CheckMovingBoundary(step)
	}
	if e.Slides() != 3 {
		t.Fatalf("Slides = %d, want 3", e.Slides())
	}

	off, _ := newEngine(t, Config{Seed: 1, Chunks: 1, Samples: 1}, 0)
	for step := uint64(0); step <= 10; step++ {
		off.CheckMovingBoundary(step)
	}
	if off.Slides() != 0 {
		t.Fatalf("Slides with slide_every=0 = %d", off.Slides())
	}
}

func TestEngine_Reset(t *testing.T) {
	e, exec := newEngine(t, Config{Seed: 1, Chunks: 1, Samples: 10, SlideEvery: 1}, 0)
	run(t, e, exec, 0, 3)
	e.CheckMovingBoundary(1)
	e.Reset(0)
	if e.Snapshot() != (State{}) {
		t.Fatalf("Snapshot after Reset = %+v", e.Snapshot())
	}
	if v, n := e.Estimate(); v != 0 || n != 0 {
		t.Fatalf("Estimate after Reset = %v %d", v, n)
	}
}

func TestEngine_InitRejectsBadConfig(t *testing.T) {
	e := New(Config{Chunks: 0, Samples: 1}, 0, executor.New(context.Background(), 1), nil)
	if err := e.Init(context.Background()); err == nil {
		t.Fatal("Init accepted chunks=0")
	}
}
