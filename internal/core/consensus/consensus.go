// Package consensus turns rank-local control requests into decisions every
// rank applies at the same step.
//
// A rank that observes a request proposes to act at its next step. The
// proposal vector [applyAt, checkpoint, stop] is reduced with an
// element-wise maximum over all ranks, so the fleet agrees on the latest
// proposed step and on the union of the requested actions. Ranks that did
// not observe a request contribute their current step, which can never
// exceed a real proposal.
package consensus

import (
	"context"
	"log/slog"
	"time"

	"github.com/yndnr/simctl/internal/cluster"
	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/infra/trigger"
)

// DefaultDebounce is how long a rank waits after the first request before
// proposing, so that a burst of requests lands in one round.
const DefaultDebounce = time.Second

const vectorLen = 3

// State is the protocol state of one rank.
type State int

const (
	Idle State = iota
	PendingLocal
	AwaitingConsensus
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingLocal:
		return "pending_local"
	case AwaitingConsensus:
		return "awaiting_consensus"
	case Applying:
		return "applying"
	default:
		return "unknown"
	}
}

// Signals is the rank-local request source.
type Signals interface {
	Pending() bool
	Drain() trigger.Flags
}

// Schedule receives agreed decisions.
type Schedule interface {
	// ScheduleCheckpoint adds step to the checkpoint period.
	ScheduleCheckpoint(step uint64)
	// ReduceTarget lowers the run target to step if it is higher.
	ReduceTarget(step uint64)
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithDebounce sets the debounce window. Zero disables it.
func WithDebounce(d time.Duration) Option {
	return func(p *Protocol) {
		p.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

// WithSleep replaces the debounce sleep. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Protocol) {
		p.sleep = fn
	}
}

// WithObserver registers fn to be called for every non-empty decision this
// rank completes. discarded is true when the decision arrived after the end
// of the run and was not acted on.
func WithObserver(fn func(d domain.Decision, discarded bool)) Option {
	return func(p *Protocol) {
		if fn != nil {
			p.observe = fn
		}
	}
}

// Protocol is one rank's consensus state machine. It is driven from the
// rank's control loop goroutine; the barrier hook runs on that same
// goroutine.
type Protocol struct {
	comm     cluster.Comm
	signals  Signals
	sched    Schedule
	logger   *slog.Logger
	debounce time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	observe  func(d domain.Decision, discarded bool)

	state         State
	round         uint64
	req           cluster.Request
	applyAt       uint64
	step          uint64
	lastScheduled uint64
	last          domain.Decision
	hookErr       error
	hookCtx       context.Context
}

// New returns a protocol bound to comm and registers its barrier hook.
// signals may be nil for ranks that never receive requests.
func New(comm cluster.Comm, signals Signals, sched Schedule, opts ...Option) *Protocol {
	p := &Protocol{
		comm:     comm,
		signals:  signals,
		sched:    sched,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		sleep:    sleepCtx,
		observe:  func(domain.Decision, bool) {},
		round:    1,
		hookCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	comm.OnBlocked(p.proxyJoin)
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current protocol state.
func (p *Protocol) State() State { return p.state }

// Round returns the number of the next round this rank will take part in.
func (p *Protocol) Round() uint64 { return p.round }

// LastDecision returns the most recent applied decision.
func (p *Protocol) LastDecision() domain.Decision { return p.last }

// Permitted reports whether a local request observed at step may start a
// round: at step 0, or past the step the previous round scheduled.
func (p *Protocol) Permitted(step uint64) bool {
	return step == 0 || step > p.lastScheduled
}

// Step advances the protocol at step. It never blocks except at this
// rank's own apply-at step, where it waits for the reduction to finish.
// The returned decision is the last one applied during the call; it is
// zero when none was.
func (p *Protocol) Step(ctx context.Context, step uint64) (domain.Decision, error) {
	p.step = step
	p.hookCtx = ctx
	if err := p.takeHookErr(); err != nil {
		return domain.Decision{}, err
	}

	var last domain.Decision
	if p.req != nil {
		d, ok, err := p.poll(ctx, step >= p.applyAt)
		if err != nil {
			return domain.Decision{}, err
		}
		if ok {
			last = d
		}
	}

	for p.req == nil {
		if p.comm.Opened(p.round) {
			if err := p.join(ctx, step); err != nil {
				return domain.Decision{}, err
			}
			d, ok, err := p.poll(ctx, step >= p.applyAt)
			if err != nil {
				return domain.Decision{}, err
			}
			if ok {
				last = d
				continue
			}
			break
		}

		if p.signals != nil && p.signals.Pending() {
			if !p.Permitted(step) {
				p.drop(step, "not permitted")
				break
			}
			if err := p.propose(ctx, step); err != nil {
				return domain.Decision{}, err
			}
			d, ok, err := p.poll(ctx, false)
			if err != nil {
				return domain.Decision{}, err
			}
			if ok {
				last = d
			}
		}
		break
	}

	if p.req != nil && p.signals != nil && p.signals.Pending() {
		p.drop(step, "round in flight")
	}
	return last, nil
}

// propose debounces, drains the local requests and opens a round.
func (p *Protocol) propose(ctx context.Context, step uint64) error {
	p.state = PendingLocal
	if err := p.sleep(ctx, p.debounce); err != nil {
		return domain.ErrCollectiveFailure.WithDetails("debounce interrupted").WithCause(err)
	}
	f := p.signals.Drain()
	return p.open(step+1, f)
}

// join contributes to a round opened by another rank. A local request that
// is permitted rides along with the contribution.
func (p *Protocol) join(ctx context.Context, step uint64) error {
	if p.signals != nil && p.signals.Pending() && p.Permitted(step) {
		return p.open(step+1, p.signals.Drain())
	}
	return p.open(step, trigger.Flags{})
}

func (p *Protocol) open(applyAt uint64, f trigger.Flags) error {
	vec := []uint64{applyAt, boolValue(f.Checkpoint), boolValue(f.Stop)}
	req, err := p.comm.IallreduceMax(p.round, vec)
	if err != nil {
		p.state = Idle
		return collectiveErr(err, "open round")
	}
	p.req = req
	p.applyAt = applyAt
	p.state = AwaitingConsensus
	p.logger.Debug("consensus round opened",
		"round", p.round,
		"apply_at", applyAt,
		"checkpoint", f.Checkpoint,
		"stop", f.Stop)
	return nil
}

// poll tests the outstanding request, waiting for it when block is set.
func (p *Protocol) poll(ctx context.Context, block bool) (domain.Decision, bool, error) {
	values, done, err := p.req.Test()
	if err != nil {
		return domain.Decision{}, false, collectiveErr(err, "test round")
	}
	if !done {
		if !block {
			return domain.Decision{}, false, nil
		}
		values, err = p.req.Wait(ctx)
		if err != nil {
			return domain.Decision{}, false, collectiveErr(err, "wait round")
		}
	}

	d, err := p.decode(values)
	if err != nil {
		return domain.Decision{}, false, err
	}
	if d.Step < p.step {
		return domain.Decision{}, false, domain.ErrCollectiveFailure.WithDetailsf("round %d agreed step %d behind local step %d", d.Round, d.Step, p.step)
	}
	p.apply(d)
	return d, true, nil
}

func (p *Protocol) decode(values []uint64) (domain.Decision, error) {
	if len(values) != vectorLen {
		return domain.Decision{}, domain.ErrMalformedReduction.WithDetailsf("round %d: %d values", p.round, len(values))
	}
	return domain.Decision{
		Round:      p.round,
		Step:       values[0],
		Checkpoint: values[1] > 0,
		Stop:       values[2] > 0,
	}, nil
}

func (p *Protocol) apply(d domain.Decision) {
	p.state = Applying
	if d.Checkpoint {
		p.sched.ScheduleCheckpoint(d.Step)
	}
	if d.Stop {
		p.sched.ReduceTarget(d.Step)
	}
	p.finishRound(d)
	if !d.Empty() {
		p.observe(d, false)
	}

	if p.comm.IsCoordinator() && !d.Empty() {
		p.logger.Info("consensus decision", "round", d.Round, "step", d.Step, "checkpoint", d.Checkpoint, "stop", d.Stop)
	} else {
		p.logger.Debug("consensus decision", "round", d.Round, "step", d.Step, "checkpoint", d.Checkpoint, "stop", d.Stop)
	}
}

func (p *Protocol) finishRound(d domain.Decision) {
	p.lastScheduled = d.Step
	p.last = d
	p.round++
	p.req = nil
	p.applyAt = 0
	p.state = Idle
}

func (p *Protocol) drop(step uint64, reason string) {
	f := p.signals.Drain()
	p.logger.Debug("control request dropped",
		"step", step,
		"reason", reason,
		"checkpoint", f.Checkpoint,
		"stop", f.Stop)
}

// proxyJoin runs while this rank is blocked in a barrier and round is open
// without its contribution. It proposes the step after the current one,
// the earliest step this rank can still act on.
func (p *Protocol) proxyJoin(round uint64) {
	if p.hookErr != nil {
		return
	}
	if p.req != nil {
		if _, _, err := p.poll(p.hookCtx, true); err != nil {
			p.hookErr = err
			return
		}
	}
	if round != p.round {
		return
	}
	if err := p.open(p.step+1, trigger.Flags{}); err != nil {
		p.hookErr = err
	}
}

func (p *Protocol) takeHookErr() error {
	err := p.hookErr
	p.hookErr = nil
	return err
}

// Finish completes every round still in flight at the end of a run, so
// that each rank matches every collective. Decisions for steps past end
// can no longer be acted on and are discarded.
func (p *Protocol) Finish(ctx context.Context, end uint64) error {
	p.hookCtx = ctx
	if err := p.takeHookErr(); err != nil {
		return err
	}
	p.step = end

	for {
		if p.req == nil {
			if !p.comm.Opened(p.round) {
				return nil
			}
			if err := p.open(end+1, trigger.Flags{}); err != nil {
				return err
			}
		}

		values, err := p.req.Wait(ctx)
		if err != nil {
			return collectiveErr(err, "finish round")
		}
		d, err := p.decode(values)
		if err != nil {
			return err
		}
		if d.Step <= end {
			p.apply(d)
			continue
		}
		p.finishRound(d)
		if !d.Empty() {
			p.observe(d, true)
			p.logger.Info("decision after end of run discarded",
				"round", d.Round,
				"step", d.Step,
				"end", end,
				"checkpoint", d.Checkpoint,
				"stop", d.Stop)
		}
	}
}

// Reset prepares the protocol for a soft restart. Round numbering
// continues so that it stays aligned across ranks.
func (p *Protocol) Reset() {
	p.lastScheduled = 0
	p.step = 0
	p.state = Idle
	p.last = domain.Decision{}
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func collectiveErr(err error, op string) error {
	if domain.IsDomainError(err, "") {
		return err
	}
	return domain.ErrCollectiveFailure.WithDetails(op).WithCause(err)
}
