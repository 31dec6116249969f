// Package confloader loads simctl configuration from layered sources.
//
// Sources, lowest priority first:
//
//  1. Defaults (a flattened map built from the typed default config)
//  2. YAML configuration file
//  3. SIMCTL_ environment variables
//  4. Command-line flags
//
// Environment names are matched against the known keys, so
// SIMCTL_CHECKPOINT_PERIOD maps to checkpoint.period and
// SIMCTL_RUN_SOFT_RESTARTS maps to run.soft_restarts.
//
// The Watcher reports writes to the configuration file so that runtime
// tunables (the log level) can be reapplied without restarting a run.
package confloader
