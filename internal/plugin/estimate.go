package plugin

import (
	"context"
	"log/slog"
	"math"
)

// Estimator exposes a running estimate.
type Estimator interface {
	Estimate() (value float64, samples uint64)
}

// Estimate logs the running estimate of an Estimator.
type Estimate struct {
	src    Estimator
	logger *slog.Logger
	last   float64
}

// NewEstimate returns the estimate plugin for src.
func NewEstimate(src Estimator, logger *slog.Logger) *Estimate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimate{src: src, logger: logger}
}

// Name implements Plugin.
func (e *Estimate) Name() string { return "estimate" }

// Last returns the estimate observed at the latest notification.
func (e *Estimate) Last() float64 { return e.last }

// Notify logs the current estimate and its distance from pi.
func (e *Estimate) Notify(_ context.Context, step uint64) error {
	v, n := e.src.Estimate()
	e.last = v
	e.logger.Info("estimate",
		"step", step,
		"value", v,
		"samples", n,
		"abs_error", math.Abs(v-math.Pi))
	return nil
}

// Checkpoint implements Plugin. The estimate is derived state.
func (e *Estimate) Checkpoint(context.Context, uint64, string) error { return nil }

// Restore implements Plugin.
func (e *Estimate) Restore(context.Context, uint64, string) error { return nil }
