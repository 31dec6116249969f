// Package shutdown handles interruption of a simctl process.
//
// SIGINT cancels the run context immediately. It is distinct from the
// control signals handled by the trigger package, which request a
// fleet-wide checkpoint or stop at an agreed step. Cleanup hooks registered
// with OnShutdown run once, in reverse order, under a timeout.
package shutdown
