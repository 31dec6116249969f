package driver

import (
	"log/slog"
	"time"
)

// progress reports completion percentages and timings. Only the
// coordinator emits records.
type progress struct {
	logger  *slog.Logger
	enabled bool
	percent uint
	every   uint64
	now     func() time.Time

	runStart  time.Time
	calcStart time.Time
	window    time.Duration
}

func newProgress(logger *slog.Logger, enabled bool, percent uint, now func() time.Time) *progress {
	if percent == 0 || percent > 100 {
		percent = 100
	}
	return &progress{logger: logger, enabled: enabled, percent: percent, now: now}
}

// interval returns the report interval in steps for target.
func interval(target uint64, percent uint) uint64 {
	every := uint64(float64(target) / 100.0 * float64(percent))
	if every == 0 {
		every = 1
	}
	return every
}

func (p *progress) runStarted() {
	p.runStart = p.now()
}

func (p *progress) initDone() {
	if !p.enabled {
		return
	}
	took := p.now().Sub(p.runStart)
	p.logger.Info("initialization time", "duration", took.String(), "seconds", took.Seconds())
}

// calcStarted opens the calculation of one soft restart at step.
func (p *progress) calcStarted(step, target uint64) {
	p.every = interval(target, p.percent)
	p.calcStart = p.now()
	p.window = 0
	p.report(step, target)
}

func (p *progress) stepDone(took time.Duration) {
	p.window += took
}

// report emits a progress record at every interval boundary.
func (p *progress) report(step, target uint64) {
	if step%p.every != 0 {
		return
	}
	if p.enabled {
		pct := uint64(100)
		if target > 0 {
			pct = step * 100 / target
		}
		p.logger.Info("progress",
			"percent", pct,
			"step", step,
			"elapsed", p.now().Sub(p.calcStart).String(),
			"avg_step", (p.window / time.Duration(p.every)).String())
	}
	p.window = 0
}

func (p *progress) calcDone(nth int) {
	if !p.enabled {
		return
	}
	took := p.now().Sub(p.calcStart)
	p.logger.Info("calculation time", "soft_restart", nth, "duration", took.String(), "seconds", took.Seconds())
}

func (p *progress) runDone() {
	if !p.enabled {
		return
	}
	took := p.now().Sub(p.runStart)
	p.logger.Info("full simulation time", "duration", took.String(), "seconds", took.Seconds())
}
