package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simctl"

// Sink receives control loop events.
type Sink interface {
	StepCompleted(rank int, step uint64, took time.Duration)
	TargetChanged(rank int, target uint64)
	CheckpointWritten(rank int, step uint64, took time.Duration)
	DecisionApplied(rank int, checkpoint, stop, discarded bool)
	SoftRestart(rank int)
	ControlRequest(source, kind string)
}

// Nop is a Sink that records nothing.
type Nop struct{}

func (Nop) StepCompleted(int, uint64, time.Duration)     {}
func (Nop) TargetChanged(int, uint64)                    {}
func (Nop) CheckpointWritten(int, uint64, time.Duration) {}
func (Nop) DecisionApplied(int, bool, bool, bool)        {}
func (Nop) SoftRestart(int)                              {}
func (Nop) ControlRequest(string, string)                {}

// Registry holds all simctl metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	step               *prometheus.GaugeVec
	target             *prometheus.GaugeVec
	stepDuration       *prometheus.HistogramVec
	checkpoints        *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec
	decisions          *prometheus.CounterVec
	softRestarts       *prometheus.CounterVec
	controlRequests    *prometheus.CounterVec
}

var _ Sink = (*Registry)(nil)

// NewRegistry creates the metrics and registers them together with the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		step: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step",
			Help:      "Current step of each rank",
		}, []string{"rank"}),
		target: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_step",
			Help:      "Step at which each rank will stop",
		}, []string{"rank"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one loop iteration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"rank"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Completed checkpoints",
		}, []string{"rank"}),
		checkpointDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Wall time of the checkpoint sequence",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rank"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_decisions_total",
			Help:      "Consensus decisions by action and outcome",
		}, []string{"rank", "action", "outcome"}),
		softRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_restarts_total",
			Help:      "Soft restarts performed",
		}, []string{"rank"}),
		controlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Checkpoint and stop requests received by source",
		}, []string{"source", "kind"}),
	}
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Register adds an extra collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) StepCompleted(rank int, step uint64, took time.Duration) {
	l := strconv.Itoa(rank)
	r.step.WithLabelValues(l).Set(float64(step))
	r.stepDuration.WithLabelValues(l).Observe(took.Seconds())
}

func (r *Registry) TargetChanged(rank int, target uint64) {
	r.target.WithLabelValues(strconv.Itoa(rank)).Set(float64(target))
}

func (r *Registry) CheckpointWritten(rank int, step uint64, took time.Duration) {
	l := strconv.Itoa(rank)
	r.checkpoints.WithLabelValues(l).Inc()
	r.checkpointDuration.WithLabelValues(l).Observe(took.Seconds())
}

func (r *Registry) DecisionApplied(rank int, checkpoint, stop, discarded bool) {
	action := "none"
	switch {
	case checkpoint && stop:
		action = "checkpoint_stop"
	case checkpoint:
		action = "checkpoint"
	case stop:
		action = "stop"
	}
	outcome := "applied"
	if discarded {
		outcome = "discarded"
	}
	r.decisions.WithLabelValues(strconv.Itoa(rank), action, outcome).Inc()
}

func (r *Registry) SoftRestart(rank int) {
	r.softRestarts.WithLabelValues(strconv.Itoa(rank)).Inc()
}

func (r *Registry) ControlRequest(source, kind string) {
	r.controlRequests.WithLabelValues(source, kind).Inc()
}
