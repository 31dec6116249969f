package config

import "time"

// Config is the root configuration for simctl-run.
type Config struct {
	Run        RunSection        `koanf:"run"`
	Checkpoint CheckpointSection `koanf:"checkpoint"`
	Consensus  ConsensusSection  `koanf:"consensus"`
	Cluster    ClusterSection    `koanf:"cluster"`
	Executor   ExecutorSection   `koanf:"executor"`
	Sim        SimSection        `koanf:"sim"`
	Plugins    PluginsSection    `koanf:"plugins"`
	Control    ControlSection    `koanf:"control"`
	Metrics    MetricsSection    `koanf:"metrics"`
	Log        LogSection        `koanf:"log"`
}

// RunSection configures the control loop.
type RunSection struct {
	// Steps is the run target.
	Steps uint64 `koanf:"steps"`
	// SoftRestarts repeats the whole run this many times.
	SoftRestarts int `koanf:"soft_restarts"`
	// Percent is the progress report threshold (0 or >100 means 100).
	Percent uint `koanf:"percent"`
	// Author is recorded in the run header.
	Author string `koanf:"author"`
}

// CheckpointSection configures checkpoints and restarts.
type CheckpointSection struct {
	// Period uses the period syntax, e.g. "100" or "0:1000:50,2000".
	Period string `koanf:"period"`
	Dir    string `koanf:"dir"`

	Restart    bool `koanf:"restart"`
	TryRestart bool `koanf:"try_restart"`
	// RestartDir defaults to Dir.
	RestartDir string `koanf:"restart_dir"`
	// RestartStep selects a checkpoint. Negative means the latest one.
	RestartStep int64 `koanf:"restart_step"`
}

// ConsensusSection configures the signal consensus protocol.
type ConsensusSection struct {
	Debounce time.Duration `koanf:"debounce"`
}

// ClusterSection configures the process group.
type ClusterSection struct {
	// Mode is "local" (all ranks in this process) or "gossip" (one rank
	// per process).
	Mode string `koanf:"mode"`
	// Ranks is the fleet size.
	Ranks int `koanf:"ranks"`

	// NodeName is the gossip member name. Generated when empty.
	NodeName string   `koanf:"node_name"`
	BindAddr string   `koanf:"bind_addr"`
	BindPort int      `koanf:"bind_port"`
	Seeds    []string `koanf:"seeds"`
	// SecretKey enables gossip encryption (16, 24 or 32 bytes).
	SecretKey   string        `koanf:"secret_key"`
	LeaveGrace  time.Duration `koanf:"leave_grace"`
	JoinTimeout time.Duration `koanf:"join_timeout"`
}

// ExecutorSection configures per-rank asynchronous work.
type ExecutorSection struct {
	// Limit bounds concurrent tasks per rank. 0 means unbounded.
	Limit int `koanf:"limit"`
}

// SimSection configures the demo engine.
type SimSection struct {
	Seed       uint64 `koanf:"seed"`
	Chunks     int    `koanf:"chunks"`
	Samples    int    `koanf:"samples"`
	SlideEvery uint64 `koanf:"slide_every"`
}

// PluginsSection configures the built-in plugins.
type PluginsSection struct {
	// EstimatePeriod is the notify period of the estimate plugin. Empty
	// disables the plugin.
	EstimatePeriod string `koanf:"estimate_period"`
}

// ControlSection configures the operator control socket.
type ControlSection struct {
	// Socket is the unix socket path. Empty disables the socket.
	Socket string `koanf:"socket"`
	// Rate is the accepted request rate per second.
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
}

// MetricsSection configures the HTTP metrics endpoint.
type MetricsSection struct {
	// Addr is the listen address. Empty disables the endpoint.
	Addr string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
