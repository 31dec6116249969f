// Package main provides the entry point for simctl.
//
// simctl is the operator tool of a running simulation:
//
//   - signal checkpoint|stop [--rank]: request a checkpoint or an early stop
//   - status: show every rank's loop state
//   - ping: check the control socket
//   - checkpoints list|latest|prune --dir: inspect a checkpoint directory
//
// Usage:
//
//	simctl --socket /run/simctl.sock signal checkpoint
//	simctl -s /run/simctl.sock status -o yaml
//	simctl checkpoints list --dir ./checkpoints --ranks
package main
