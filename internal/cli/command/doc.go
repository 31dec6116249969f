// Package command provides the command definitions of simctl, the
// operator tool for a running simulation.
//
// Commands that talk to a run use the control socket (--socket). status
// can read the metrics endpoint instead (--endpoint). The checkpoints
// commands work offline on a checkpoint directory.
package command
