package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// RankState is a point-in-time view of one rank's loop.
type RankState struct {
	Rank            int
	State           string
	CheckpointCount uint64
}

// Collector reports the loop state of every rank at scrape time.
type Collector struct {
	snapshot func() []RankState
	state    *prometheus.Desc
	count    *prometheus.Desc
}

// NewCollector returns a collector that calls snapshot on every scrape.
func NewCollector(snapshot func() []RankState) *Collector {
	return &Collector{
		snapshot: snapshot,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rank_state"),
			"Loop state of each rank (1 for the current state)",
			[]string{"rank", "state"}, nil,
		),
		count: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "checkpoint_count"),
			"Checkpoints completed in the current run",
			[]string{"rank"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.count
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.snapshot() {
		rank := strconv.Itoa(s.Rank)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, rank, s.State)
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(s.CheckpointCount), rank)
	}
}
