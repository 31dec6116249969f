package config

import (
	"fmt"

	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/core/period"
	"github.com/yndnr/simctl/internal/telemetry/logger"
)

// Verify validates the configuration. Every failure is a configuration
// error.
func Verify(cfg *Config) error {
	if err := verifyRun(&cfg.Run); err != nil {
		return err
	}
	if err := verifyCheckpoint(&cfg.Checkpoint); err != nil {
		return err
	}
	if cfg.Consensus.Debounce < 0 {
		return invalid("consensus.debounce must be >= 0, got %s", cfg.Consensus.Debounce)
	}
	if err := verifyCluster(&cfg.Cluster); err != nil {
		return err
	}
	if cfg.Executor.Limit < 0 {
		return invalid("executor.limit must be >= 0, got %d", cfg.Executor.Limit)
	}
	if cfg.Sim.Chunks < 1 || cfg.Sim.Samples < 1 {
		return invalid("sim.chunks and sim.samples must be >= 1")
	}
	if cfg.Plugins.EstimatePeriod != "" {
		if _, err := period.Parse(cfg.Plugins.EstimatePeriod); err != nil {
			return err
		}
	}
	if cfg.Control.Socket != "" && (cfg.Control.Rate <= 0 || cfg.Control.Burst < 1) {
		return invalid("control.rate must be > 0 and control.burst >= 1")
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return domain.ErrInvalidConfig.WithDetails("log.level").WithCause(err)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

func verifyRun(cfg *RunSection) error {
	if cfg.Steps > uint64(^uint32(0)) {
		return invalid("run.steps must fit in 32 bits, got %d", cfg.Steps)
	}
	if cfg.SoftRestarts < 0 {
		return invalid("run.soft_restarts must be >= 0, got %d", cfg.SoftRestarts)
	}
	if cfg.Percent > 100 {
		return invalid("run.percent must be in 0..100, got %d", cfg.Percent)
	}
	return nil
}

func verifyCheckpoint(cfg *CheckpointSection) error {
	if _, err := period.Parse(cfg.Period); err != nil {
		return err
	}
	if cfg.Dir == "" {
		return invalid("checkpoint.dir is required")
	}
	if cfg.RestartStep > int64(^uint32(0)) {
		return domain.ErrInvalidRestartStep.WithDetailsf("checkpoint.restart_step %d out of range", cfg.RestartStep)
	}
	return nil
}

func verifyCluster(cfg *ClusterSection) error {
	if cfg.Ranks < 1 {
		return invalid("cluster.ranks must be >= 1, got %d", cfg.Ranks)
	}
	switch cfg.Mode {
	case ModeLocal:
	case ModeGossip:
		if cfg.BindPort < 0 || cfg.BindPort > 65535 {
			return invalid("cluster.bind_port out of range: %d", cfg.BindPort)
		}
		switch len(cfg.SecretKey) {
		case 0, 16, 24, 32:
		default:
			return invalid("cluster.secret_key must be 16, 24 or 32 bytes, got %d", len(cfg.SecretKey))
		}
		if cfg.JoinTimeout <= 0 {
			return invalid("cluster.join_timeout must be > 0")
		}
	default:
		return invalid("cluster.mode must be %q or %q, got %q", ModeLocal, ModeGossip, cfg.Mode)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return domain.ErrInvalidConfig.WithDetails(fmt.Sprintf(format, args...))
}
