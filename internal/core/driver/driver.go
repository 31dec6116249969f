// Package driver runs the lock-step control loop of one rank: fill,
// advance, notify, agree on control requests and write checkpoints, for
// every soft restart of a run.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/simctl/internal/cluster"
	"github.com/yndnr/simctl/internal/core/consensus"
	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/core/period"
	"github.com/yndnr/simctl/internal/storage/masterlog"
	"github.com/yndnr/simctl/internal/telemetry/metric"
)

// State is the lifecycle state of a driver.
type State int

const (
	Init State = iota
	Filling
	Running
	Draining
	Terminated
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Filling:
		return "filling"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the run configuration of a driver.
type Config struct {
	// Steps is the initial run target.
	Steps uint64
	// SoftRestarts repeats the run this many times after the first.
	SoftRestarts int
	// Percent is the progress report threshold.
	Percent uint

	// CheckpointPeriod selects checkpoint steps. Nil means never.
	CheckpointPeriod *period.Period
	// CheckpointDir receives new checkpoints and the master log.
	CheckpointDir string

	// Restart requires a checkpoint to restart from.
	Restart bool
	// TryRestart restarts when a checkpoint is available.
	TryRestart bool
	// RestartDir holds the checkpoints to restart from.
	RestartDir string
	// RestartStep selects a checkpoint explicitly when HasRestartStep is set.
	RestartStep    uint64
	HasRestartStep bool
}

// Deps are the collaborators of a driver.
type Deps struct {
	Engine   Engine
	Notifier Notifier
	Comm     cluster.Comm
	Executor Executor
	// Signals delivers local control requests. May be nil.
	Signals consensus.Signals
	// Metrics defaults to metric.Nop.
	Metrics metric.Sink
	Logger  *slog.Logger
	// Mkdir creates the checkpoint directory. Defaults to os.MkdirAll.
	Mkdir MkdirFunc
	// Now defaults to time.Now.
	Now func() time.Time
	// ConsensusOptions are passed to the protocol.
	ConsensusOptions []consensus.Option
}

// Status is a point-in-time view of a driver, safe to read from any
// goroutine.
type Status struct {
	Rank            int    `json:"rank"`
	State           string `json:"state"`
	Step            uint64 `json:"step"`
	Target          uint64 `json:"target"`
	CheckpointCount int    `json:"checkpoint_count"`
	Round           uint64 `json:"round"`
	SoftRestart     int    `json:"soft_restart"`
	Period          string `json:"checkpoint_period"`
}

// Driver is the control loop of one rank. Run must be called from a
// single goroutine; Status may be called concurrently.
type Driver struct {
	cfg       Config
	engine    Engine
	notifier  Notifier
	comm      cluster.Comm
	exec      Executor
	metrics   metric.Sink
	logger    *slog.Logger
	mkdir     MkdirFunc
	now       func() time.Time
	consensus *consensus.Protocol
	progress  *progress
	log       *masterlog.Log

	period      *period.Period
	state       State
	step        uint64
	target      uint64
	count       int
	nth         int
	restartStep uint64
	restart     bool

	mu     sync.RWMutex
	status Status
}

// New returns a driver. The driver owns the consensus protocol of its rank
// and is the protocol's schedule.
func New(cfg Config, deps Deps) (*Driver, error) {
	if deps.Engine == nil || deps.Notifier == nil || deps.Comm == nil || deps.Executor == nil {
		return nil, domain.ErrInvalidConfig.WithDetails("driver: engine, notifier, comm and executor are required")
	}
	if cfg.CheckpointDir == "" {
		return nil, domain.ErrInvalidConfig.WithDetails("driver: checkpoint directory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Metrics
	if sink == nil {
		sink = metric.Nop{}
	}
	mkdir := deps.Mkdir
	if mkdir == nil {
		mkdir = defaultMkdir
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	p := cfg.CheckpointPeriod
	if p == nil {
		p = period.New()
	}

	d := &Driver{
		cfg:      cfg,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		comm:     deps.Comm,
		exec:     deps.Executor,
		metrics:  sink,
		logger:   logger,
		mkdir:    mkdir,
		now:      now,
		progress: newProgress(logger, deps.Comm.IsCoordinator(), cfg.Percent, now),
		log:      masterlog.New(cfg.CheckpointDir, masterlog.WithLogger(logger)),
		period:   p,
		target:   cfg.Steps,
	}
	observe := func(dec domain.Decision, discarded bool) {
		sink.DecisionApplied(deps.Comm.Rank(), dec.Checkpoint, dec.Stop, discarded)
	}
	opts := append([]consensus.Option{consensus.WithLogger(logger), consensus.WithObserver(observe)}, deps.ConsensusOptions...)
	d.consensus = consensus.New(deps.Comm, deps.Signals, d, opts...)
	d.publish()
	return d, nil
}

// State returns the lifecycle state.
func (d *Driver) State() State { return d.state }

// Step returns the current step.
func (d *Driver) Step() uint64 { return d.step }

// Target returns the current run target.
func (d *Driver) Target() uint64 { return d.target }

// CheckpointCount returns the number of checkpoints completed in this run.
func (d *Driver) CheckpointCount() int { return d.count }

// Consensus returns the protocol of this rank.
func (d *Driver) Consensus() *consensus.Protocol { return d.consensus }

// Status returns a consistent snapshot for observers.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Driver) publish() {
	d.mu.Lock()
	d.status = Status{
		Rank:            d.comm.Rank(),
		State:           d.state.String(),
		Step:            d.step,
		Target:          d.target,
		CheckpointCount: d.count,
		Round:           d.consensus.Round(),
		SoftRestart:     d.nth,
		Period:          d.period.String(),
	}
	d.mu.Unlock()
}

func (d *Driver) setState(s State) {
	d.logger.Debug("driver state", "from", d.state.String(), "to", s.String())
	d.state = s
	d.publish()
}

// ScheduleCheckpoint adds step to the checkpoint period.
func (d *Driver) ScheduleCheckpoint(step uint64) {
	d.period.Append(step)
	d.logger.Debug("checkpoint scheduled", "step", step)
}

// ReduceTarget lowers the run target to step. A larger step has no effect.
func (d *Driver) ReduceTarget(step uint64) {
	if step >= d.target {
		return
	}
	d.target = step
	d.metrics.TargetChanged(d.comm.Rank(), step)
	if d.comm.IsCoordinator() {
		d.logger.Info("run target reduced", "target", step)
	}
}

// Run executes the whole run: init, restart discovery and every soft
// restart. It returns the first fatal error.
func (d *Driver) Run(ctx context.Context) error {
	d.progress.runStarted()
	d.setState(Init)
	if err := d.engine.Init(ctx); err != nil {
		return hookErr(domain.ErrInitFailed, err)
	}

	step, restart, err := d.discoverRestart()
	if err != nil {
		return err
	}
	d.restartStep, d.restart = step, restart
	d.progress.initDone()

	for nth := 0; nth <= d.cfg.SoftRestarts; nth++ {
		d.nth = nth
		if nth > 0 {
			d.consensus.Reset()
			d.metrics.SoftRestart(d.comm.Rank())
			if d.comm.IsCoordinator() {
				d.logger.Info("soft restart", "nth", nth, "target", d.target)
			}
		}
		if err := d.runOnce(ctx); err != nil {
			return err
		}
		d.progress.calcDone(nth)
	}

	d.setState(Terminated)
	d.progress.runDone()
	return nil
}

func (d *Driver) runOnce(ctx context.Context) error {
	d.setState(Filling)
	d.engine.Reset(0)
	if d.restart {
		if err := d.notifier.Restore(ctx, d.restartStep, d.cfg.RestartDir); err != nil {
			return hookErr(domain.ErrRestoreFailed, err)
		}
	}
	start, err := d.engine.Populate(ctx, d.restartStep, d.restart)
	if err != nil {
		return hookErr(domain.ErrFillFailed, err)
	}
	d.step = start
	d.publish()

	d.engine.CheckMovingBoundary(start)
	if !d.restart {
		if err := d.notify(ctx, start); err != nil {
			return err
		}
		if err := d.checkpointIfDue(ctx, start); err != nil {
			return err
		}
	}
	d.progress.calcStarted(start, d.target)

	d.setState(Running)
	for d.step < d.target {
		if err := ctx.Err(); err != nil {
			return err
		}
		began := d.now()
		if err := d.engine.Advance(ctx, d.step); err != nil {
			if domain.IsDomainError(err, "") {
				return err
			}
			return domain.ErrAdvanceFailed.WithDetailsf("step %d", d.step).WithCause(err)
		}
		took := d.now().Sub(began)
		d.step++
		d.progress.stepDone(took)
		d.progress.report(d.step, d.target)

		d.engine.CheckMovingBoundary(d.step)
		if err := d.notify(ctx, d.step); err != nil {
			return err
		}
		if err := d.checkpointIfDue(ctx, d.step); err != nil {
			return err
		}
		d.metrics.StepCompleted(d.comm.Rank(), d.step, took)
		d.publish()
	}

	return d.drain(ctx)
}

// notify runs the plugins and then the consensus protocol for step.
func (d *Driver) notify(ctx context.Context, step uint64) error {
	if err := d.notifier.Notify(ctx, step); err != nil {
		return err
	}
	_, err := d.consensus.Step(ctx, step)
	return err
}

// drain waits for outstanding work and matches every open collective.
func (d *Driver) drain(ctx context.Context) error {
	d.setState(Draining)
	if err := d.exec.Quiesce(ctx); err != nil {
		return err
	}
	if err := d.barrier(ctx, "final barrier"); err != nil {
		return err
	}
	if err := d.consensus.Finish(ctx, d.step); err != nil {
		return err
	}
	d.publish()
	return nil
}

// checkpointIfDue writes the checkpoint of step when the period contains it.
func (d *Driver) checkpointIfDue(ctx context.Context, step uint64) error {
	if !d.period.Contains(step) {
		return nil
	}
	began := d.now()
	coordinator := d.comm.IsCoordinator()
	dir := d.cfg.CheckpointDir

	if err := d.exec.Quiesce(ctx); err != nil {
		return err
	}
	if err := d.barrier(ctx, "checkpoint begin"); err != nil {
		return err
	}

	if d.count == 0 {
		if coordinator {
			if err := d.mkdir(dir, 0o755); err != nil {
				return domain.ErrCheckpointDir.WithDetails(dir).WithCause(err)
			}
		}
		if err := d.barrier(ctx, "checkpoint directory"); err != nil {
			return err
		}
	}

	if err := d.notifier.Checkpoint(ctx, step, dir); err != nil {
		return hookErr(domain.ErrCheckpointWrite, err)
	}
	if err := d.exec.Quiesce(ctx); err != nil {
		return err
	}
	if err := d.barrier(ctx, "checkpoint end"); err != nil {
		return err
	}

	if coordinator {
		if err := d.log.Append(step); err != nil {
			return err
		}
	}
	d.count++
	took := d.now().Sub(began)
	d.metrics.CheckpointWritten(d.comm.Rank(), step, took)
	if coordinator {
		d.logger.Info("checkpoint written", "step", step, "dir", dir, "count", d.count, "duration", took.String())
	}
	d.publish()
	return nil
}

func (d *Driver) barrier(ctx context.Context, what string) error {
	if err := d.comm.Barrier(ctx); err != nil {
		if domain.IsDomainError(err, "") {
			return err
		}
		return domain.ErrCollectiveFailure.WithDetails(what).WithCause(err)
	}
	return nil
}

// discoverRestart selects the restart step from the restart directory's
// master log.
func (d *Driver) discoverRestart() (uint64, bool, error) {
	if !d.cfg.Restart && !d.cfg.TryRestart {
		return 0, false, nil
	}
	steps, err := masterlog.New(d.cfg.RestartDir, masterlog.WithLogger(d.logger)).ReadAll()
	if err != nil {
		return 0, false, domain.ErrRestartNotFound.WithDetails(d.cfg.RestartDir).WithCause(err)
	}

	if d.cfg.HasRestartStep {
		for _, s := range steps {
			if s == d.cfg.RestartStep {
				d.logRestart(s, steps)
				return s, true, nil
			}
		}
		return 0, false, domain.ErrInvalidRestartStep.WithDetailsf("step %d not in %s", d.cfg.RestartStep, d.cfg.RestartDir)
	}

	if len(steps) == 0 {
		if d.cfg.Restart {
			return 0, false, domain.ErrRestartNotFound.WithDetails(d.cfg.RestartDir)
		}
		if d.comm.IsCoordinator() {
			d.logger.Info("no checkpoint available, starting from scratch", "dir", d.cfg.RestartDir)
		}
		return 0, false, nil
	}
	s := steps[len(steps)-1]
	d.logRestart(s, steps)
	return s, true, nil
}

func (d *Driver) logRestart(step uint64, steps []uint64) {
	if d.comm.IsCoordinator() {
		d.logger.Info("restart point", "step", step, "dir", d.cfg.RestartDir, "available", len(steps))
	}
}

// hookErr types a collaborator error, keeping codes already assigned.
func hookErr(base *domain.DomainError, err error) error {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	return base.WithCause(err)
}
