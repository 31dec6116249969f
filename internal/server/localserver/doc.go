// Package localserver provides the operator control socket of a run.
//
// It listens on a Unix domain socket and reads one command per line:
//
//   - checkpoint [rank]: request a checkpoint
//   - stop [rank]: request an early stop
//   - status: report every in-process rank
//   - ping: liveness check
//
// Each command is answered with one JSON line (see Response). Control
// requests are rate limited so that an operator flood coalesces into few
// consensus rounds.
//
// Security:
//
//   - Only accessible via the Unix domain socket
//   - The socket file is created with mode 0600
package localserver
