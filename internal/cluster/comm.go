// Package cluster provides the process group the control loop runs on.
//
// A Comm offers the two collectives the loop needs: a group barrier and a
// non-blocking element-wise maximum reduction identified by a round number.
// Two implementations exist. Fabric runs every rank as a goroutine in one
// process. Gossip runs one rank per process and exchanges messages over
// hashicorp/memberlist.
//
// Rounds are numbered from 1 and every rank contributes to rounds in
// increasing order. A rank blocked in Barrier that sees a round it has not
// joined invokes the OnBlocked hook so it can contribute without leaving the
// barrier.
package cluster

import "context"

// Comm is one rank's view of the process group.
type Comm interface {
	// Size returns the number of ranks.
	Size() int
	// Rank returns this rank's index in [0, Size).
	Rank() int
	// IsCoordinator reports whether this is rank 0.
	IsCoordinator() bool
	// Barrier blocks until every rank has entered the same barrier.
	Barrier(ctx context.Context) error
	// IallreduceMax contributes values to round and returns immediately.
	// Every rank must contribute a vector of the same length.
	IallreduceMax(round uint64, values []uint64) (Request, error)
	// Opened reports whether any rank has contributed to round.
	Opened(round uint64) bool
	// OnBlocked registers the hook run while Barrier waits and a round
	// this rank has not joined is open. The hook runs on the goroutine
	// that called Barrier.
	OnBlocked(fn func(round uint64))
}

// Request is an in-flight reduction.
type Request interface {
	// Test reports completion without blocking.
	Test() (values []uint64, done bool, err error)
	// Wait blocks until the reduction completes.
	Wait(ctx context.Context) ([]uint64, error)
}

func maxInto(dst, src []uint64) {
	for i, v := range src {
		if v > dst[i] {
			dst[i] = v
		}
	}
}

func cloneValues(v []uint64) []uint64 {
	return append([]uint64(nil), v...)
}
