// Package domain defines the core value types and errors shared by the
// simctl control loop.
//
// It carries no IO dependencies. This package contains:
//
//   - Errors: coded domain errors and their failure classes
//   - Decision: the outcome of one signal consensus round
//
// Every other package reports failures through the errors defined here so the
// runner can decide between aborting the run and logging a warning.
package domain
