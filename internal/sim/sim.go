// Package sim is the demo compute engine driven by simctl-run: a
// Monte Carlo estimate of pi split across ranks and executor tasks.
//
// Every sampling chunk seeds its generator from (seed, rank, step, chunk),
// so a run restarted from a checkpoint reproduces the uninterrupted run.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/yndnr/simctl/internal/executor"
	"github.com/yndnr/simctl/internal/storage/statestore"
)

// Config tunes the engine.
type Config struct {
	Seed uint64 `koanf:"seed" json:"seed"`
	// Chunks is the number of executor tasks per step.
	Chunks int `koanf:"chunks" json:"chunks"`
	// Samples is the number of points drawn per chunk.
	Samples int `koanf:"samples" json:"samples"`
	// SlideEvery moves the window every N steps. 0 disables it.
	SlideEvery uint64 `koanf:"slide_every" json:"slide_every"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{Seed: 1, Chunks: 4, Samples: 10000}
}

// State is the checkpointed state of one rank.
type State struct {
	Hits    uint64 `json:"hits"`
	Samples uint64 `json:"samples"`
	Slides  uint64 `json:"slides"`
}

// Engine implements the compute collaborator of the control loop for one
// rank, and the plugin that persists its state.
type Engine struct {
	cfg    Config
	rank   int
	exec   *executor.Executor
	logger *slog.Logger

	hits    atomic.Uint64
	samples atomic.Uint64
	slides  uint64

	mu     sync.Mutex
	stores map[string]*statestore.Store
}

// New returns an engine for rank submitting work to exec.
func New(cfg Config, rank int, exec *executor.Executor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		rank:   rank,
		exec:   exec,
		logger: logger,
		stores: make(map[string]*statestore.Store),
	}
}

// Init validates the configuration.
func (e *Engine) Init(context.Context) error {
	if e.cfg.Chunks < 1 {
		return fmt.Errorf("sim: chunks must be >= 1, got %d", e.cfg.Chunks)
	}
	if e.cfg.Samples < 1 {
		return fmt.Errorf("sim: samples must be >= 1, got %d", e.cfg.Samples)
	}
	e.logger.Debug("engine initialized",
		"seed", e.cfg.Seed,
		"chunks", e.cfg.Chunks,
		"samples", e.cfg.Samples,
		"slide_every", e.cfg.SlideEvery)
	return nil
}

// Reset clears all accumulated state.
func (e *Engine) Reset(uint64) {
	e.hits.Store(0)
	e.samples.Store(0)
	e.slides = 0
}

// Populate returns the first step of the run: step when restarting, 0
// otherwise. Restored state was already loaded by Restore.
func (e *Engine) Populate(_ context.Context, step uint64, restart bool) (uint64, error) {
	if restart {
		return step, nil
	}
	return 0, nil
}

// Advance schedules the sampling chunks of step on the executor.
func (e *Engine) Advance(_ context.Context, step uint64) error {
	for chunk := 0; chunk < e.cfg.Chunks; chunk++ {
		src := rand.NewPCG(e.cfg.Seed, chunkSeed(e.rank, step, chunk))
		e.exec.Go(func(ctx context.Context) error {
			return e.sample(ctx, rand.New(src))
		})
	}
	return nil
}

func (e *Engine) sample(ctx context.Context, rng *rand.Rand) error {
	var hits uint64
	for i := 0; i < e.cfg.Samples; i++ {
		if i&1023 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		x, y := rng.Float64(), rng.Float64()
		if x*x+y*y < 1.0 {
			hits++
		}
	}
	e.hits.Add(hits)
	e.samples.Add(uint64(e.cfg.Samples))
	return nil
}

// CheckMovingBoundary slides the window every SlideEvery steps.
func (e *Engine) CheckMovingBoundary(step uint64) {
	if e.cfg.SlideEvery == 0 || step == 0 || step%e.cfg.SlideEvery != 0 {
		return
	}
	e.slides++
	e.logger.Debug("window slide", "step", step, "slides", e.slides)
}

// Slides returns the number of window slides so far.
func (e *Engine) Slides() uint64 { return e.slides }

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	return State{Hits: e.hits.Load(), Samples: e.samples.Load(), Slides: e.slides}
}

// Estimate returns the running estimate of pi over the samples completed
// so far.
func (e *Engine) Estimate() (float64, uint64) {
	n := e.samples.Load()
	if n == 0 {
		return 0, 0
	}
	return 4 * float64(e.hits.Load()) / float64(n), n
}

// splitmix64 finalizer.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func chunkSeed(rank int, step uint64, chunk int) uint64 {
	return mix(mix(mix(uint64(rank))^step) ^ uint64(chunk))
}
