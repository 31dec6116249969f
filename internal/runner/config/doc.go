// Package config provides the run configuration of simctl-run.
//
// This package defines the configuration structure and validation:
//
//   - spec.go: Config struct definition
//   - default.go: Default configuration values and the defaults layer
//   - verify.go: Validation (period syntax, ranges, cluster mode)
//   - sanitize.go: Log sanitization (hide the gossip key)
//   - convert.go: Mapping onto driver and cluster settings
//
// Configuration is loaded via internal/infra/confloader from defaults, a
// YAML file, SIMCTL_ environment variables and command line flags.
package config
