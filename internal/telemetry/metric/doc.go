// Package metric exposes simctl run metrics in Prometheus format.
//
//   - prometheus.go: the registry, the per-rank metrics and the HTTP handler
//   - collector.go: a collector that reports the live loop state of each rank
//
// The driver records through the Sink interface; Nop discards everything.
package metric
