package config

import "time"

// Default configuration values.
const (
	DefaultSteps   = 100
	DefaultPercent = 5

	DefaultCheckpointDir = "checkpoints"
	DefaultRestartStep   = -1

	DefaultDebounce = time.Second

	DefaultMode        = ModeLocal
	DefaultRanks       = 1
	DefaultBindAddr    = "0.0.0.0"
	DefaultBindPort    = 7946
	DefaultLeaveGrace  = 2 * time.Second
	DefaultJoinTimeout = 30 * time.Second

	DefaultSeed    = 1
	DefaultChunks  = 4
	DefaultSamples = 10000

	DefaultEstimatePeriod = "10"

	DefaultControlRate  = 5.0
	DefaultControlBurst = 10

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Cluster modes.
const (
	ModeLocal  = "local"
	ModeGossip = "gossip"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Run: RunSection{
			Steps:   DefaultSteps,
			Percent: DefaultPercent,
		},
		Checkpoint: CheckpointSection{
			Dir:         DefaultCheckpointDir,
			RestartStep: DefaultRestartStep,
		},
		Consensus: ConsensusSection{
			Debounce: DefaultDebounce,
		},
		Cluster: ClusterSection{
			Mode:        DefaultMode,
			Ranks:       DefaultRanks,
			BindAddr:    DefaultBindAddr,
			BindPort:    DefaultBindPort,
			LeaveGrace:  DefaultLeaveGrace,
			JoinTimeout: DefaultJoinTimeout,
		},
		Sim: SimSection{
			Seed:    DefaultSeed,
			Chunks:  DefaultChunks,
			Samples: DefaultSamples,
		},
		Plugins: PluginsSection{
			EstimatePeriod: DefaultEstimatePeriod,
		},
		Control: ControlSection{
			Rate:  DefaultControlRate,
			Burst: DefaultControlBurst,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Defaults returns Default as a flat map with dotted koanf keys, the
// lowest priority layer of the loader.
func Defaults() map[string]any {
	c := Default()
	return map[string]any{
		"run.steps":         c.Run.Steps,
		"run.soft_restarts": c.Run.SoftRestarts,
		"run.percent":       c.Run.Percent,
		"run.author":        c.Run.Author,

		"checkpoint.period":       c.Checkpoint.Period,
		"checkpoint.dir":          c.Checkpoint.Dir,
		"checkpoint.restart":      c.Checkpoint.Restart,
		"checkpoint.try_restart":  c.Checkpoint.TryRestart,
		"checkpoint.restart_dir":  c.Checkpoint.RestartDir,
		"checkpoint.restart_step": c.Checkpoint.RestartStep,

		"consensus.debounce": c.Consensus.Debounce.String(),

		"cluster.mode":         c.Cluster.Mode,
		"cluster.ranks":        c.Cluster.Ranks,
		"cluster.node_name":    c.Cluster.NodeName,
		"cluster.bind_addr":    c.Cluster.BindAddr,
		"cluster.bind_port":    c.Cluster.BindPort,
		"cluster.seeds":        []string{},
		"cluster.secret_key":   c.Cluster.SecretKey,
		"cluster.leave_grace":  c.Cluster.LeaveGrace.String(),
		"cluster.join_timeout": c.Cluster.JoinTimeout.String(),

		"executor.limit": c.Executor.Limit,

		"sim.seed":        c.Sim.Seed,
		"sim.chunks":      c.Sim.Chunks,
		"sim.samples":     c.Sim.Samples,
		"sim.slide_every": c.Sim.SlideEvery,

		"plugins.estimate_period": c.Plugins.EstimatePeriod,

		"control.socket": c.Control.Socket,
		"control.rate":   c.Control.Rate,
		"control.burst":  c.Control.Burst,

		"metrics.addr": c.Metrics.Addr,

		"log.level":  c.Log.Level,
		"log.format": c.Log.Format,
	}
}
