package domain

import "fmt"

// Decision is the fleet-wide outcome of one signal consensus round.
//
// Every rank computes an identical Decision for a given round because Step and
// both flags are reduced with a maximum over all contributions.
type Decision struct {
	Round      uint64 `json:"round"`
	Step       uint64 `json:"step"`
	Checkpoint bool   `json:"checkpoint"`
	Stop       bool   `json:"stop"`
}

// Empty reports whether the decision requests no action.
func (d Decision) Empty() bool {
	return !d.Checkpoint && !d.Stop
}

// String returns a short human-readable form used in log records.
func (d Decision) String() string {
	return fmt.Sprintf("round=%d step=%d checkpoint=%t stop=%t", d.Round, d.Step, d.Checkpoint, d.Stop)
}
