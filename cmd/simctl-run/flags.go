package main

import (
	"github.com/urfave/cli/v2"
)

// binding maps a flag onto a config key.
type binding struct {
	flag cli.Flag
	key  string
}

func bindings() []binding {
	return []binding{
		{&cli.Uint64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "Run target step"}, "run.steps"},
		{&cli.IntFlag{Name: "soft-restarts", Usage: "Repeat the run this many times"}, "run.soft_restarts"},
		{&cli.UintFlag{Name: "percent", Usage: "Progress report threshold in percent"}, "run.percent"},
		{&cli.StringFlag{Name: "author", Usage: "Author recorded in the run header"}, "run.author"},

		{&cli.StringFlag{Name: "checkpoint-period", Aliases: []string{"p"}, Usage: `Checkpoint period, e.g. "100" or "0:1000:50,2000"`}, "checkpoint.period"},
		{&cli.StringFlag{Name: "checkpoint-dir", Aliases: []string{"d"}, Usage: "Checkpoint directory"}, "checkpoint.dir"},
		{&cli.BoolFlag{Name: "restart", Usage: "Restart from a checkpoint"}, "checkpoint.restart"},
		{&cli.BoolFlag{Name: "try-restart", Usage: "Restart if a checkpoint exists, else start fresh"}, "checkpoint.try_restart"},
		{&cli.StringFlag{Name: "restart-dir", Usage: "Directory to restart from (default: checkpoint dir)"}, "checkpoint.restart_dir"},
		{&cli.Int64Flag{Name: "restart-step", Usage: "Checkpoint step to restart from (-1: latest)"}, "checkpoint.restart_step"},

		{&cli.DurationFlag{Name: "debounce", Usage: "Signal consensus debounce window"}, "consensus.debounce"},

		{&cli.StringFlag{Name: "mode", Usage: "Process group: local or gossip"}, "cluster.mode"},
		{&cli.IntFlag{Name: "ranks", Usage: "Fleet size"}, "cluster.ranks"},
		{&cli.StringFlag{Name: "node-name", Usage: "Gossip member name (default: generated)"}, "cluster.node_name"},
		{&cli.StringFlag{Name: "bind-addr", Usage: "Gossip bind address"}, "cluster.bind_addr"},
		{&cli.IntFlag{Name: "bind-port", Usage: "Gossip bind port"}, "cluster.bind_port"},
		{&cli.StringSliceFlag{Name: "seeds", Usage: "Gossip seed members (host:port)"}, "cluster.seeds"},
		{&cli.DurationFlag{Name: "join-timeout", Usage: "Time allowed for the fleet to assemble"}, "cluster.join_timeout"},

		{&cli.IntFlag{Name: "executor-limit", Usage: "Concurrent tasks per rank (0: unbounded)"}, "executor.limit"},

		{&cli.Uint64Flag{Name: "seed", Usage: "Simulation seed"}, "sim.seed"},
		{&cli.IntFlag{Name: "chunks", Usage: "Tasks per rank and step"}, "sim.chunks"},
		{&cli.IntFlag{Name: "samples", Usage: "Samples per task"}, "sim.samples"},

		{&cli.StringFlag{Name: "socket", Aliases: []string{"s"}, Usage: "Control socket path"}, "control.socket"},
		{&cli.StringFlag{Name: "metrics-addr", Usage: "Metrics and status listen address"}, "metrics.addr"},

		{&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"}, "log.level"},
		{&cli.StringFlag{Name: "log-format", Usage: "Log format: text or json"}, "log.format"},
	}
}

func runFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to configuration file",
			EnvVars: []string{"SIMCTL_CONFIG"},
		},
	}
	for _, b := range bindings() {
		flags = append(flags, b.flag)
	}
	return flags
}

// flagOverrides returns the config keys of the flags set on the command
// line. Unset flags must not shadow the file and environment layers.
func flagOverrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for _, b := range bindings() {
		name := b.flag.Names()[0]
		if !c.IsSet(name) {
			continue
		}
		switch b.flag.(type) {
		case *cli.Uint64Flag:
			out[b.key] = c.Uint64(name)
		case *cli.UintFlag:
			out[b.key] = c.Uint(name)
		case *cli.IntFlag:
			out[b.key] = c.Int(name)
		case *cli.Int64Flag:
			out[b.key] = c.Int64(name)
		case *cli.BoolFlag:
			out[b.key] = c.Bool(name)
		case *cli.DurationFlag:
			out[b.key] = c.Duration(name).String()
		case *cli.StringSliceFlag:
			out[b.key] = c.StringSlice(name)
		default:
			out[b.key] = c.String(name)
		}
	}
	return out
}
