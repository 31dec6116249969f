// Package main provides the entry point for simctl-run.
//
// simctl-run runs a lock-step simulation: one driver per rank, agreeing on
// checkpoints and early stops through the signal consensus protocol.
// Configuration is layered as defaults, YAML file (--config), SIMCTL_*
// environment variables and finally command line flags.
//
// Usage:
//
//	simctl-run --steps 1000 --checkpoint-period 100 --checkpoint-dir ./ckpt
//	simctl-run --config run.yaml --restart
//	simctl-run --mode gossip --ranks 4 --seeds 10.0.0.1:7946
//
// While running, SIGUSR1 requests a checkpoint, SIGUSR2 an early stop and
// SIGTERM both. SIGINT aborts the run.
package main
