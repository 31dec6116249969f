// Package output renders simctl results as a table, JSON or YAML.
package output
