package cluster

import (
	"context"
	"sync"

	"github.com/yndnr/simctl/internal/core/domain"
)

// Fabric connects ranks that run as goroutines in one process.
//
// All state sits behind one mutex. Waiters block on a broadcast channel that
// is closed and replaced on every state change.
type Fabric struct {
	size int

	mu      sync.Mutex
	changed chan struct{}
	err     error

	barrierGen   uint64
	barrierCount int

	rounds map[uint64]*fabricRound
	joined []uint64
}

type fabricRound struct {
	width  int
	seen   []bool
	n      int
	result []uint64
	err    error
}

// NewFabric creates a fabric for size ranks.
func NewFabric(size int) *Fabric {
	if size < 1 {
		size = 1
	}
	return &Fabric{
		size:    size,
		changed: make(chan struct{}),
		rounds:  make(map[uint64]*fabricRound),
		joined:  make([]uint64, size),
	}
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return f.size
}

// Comm returns the handle for rank. Each rank must use its own handle from a
// single goroutine.
func (f *Fabric) Comm(rank int) *FabricComm {
	return &FabricComm{fabric: f, rank: rank}
}

// Comms returns one handle per rank.
func (f *Fabric) Comms() []*FabricComm {
	comms := make([]*FabricComm, f.size)
	for i := range comms {
		comms[i] = f.Comm(i)
	}
	return comms
}

// Abort fails every pending and future collective with err. Used when one
// rank stops with a fatal error so that its peers do not wait forever.
func (f *Fabric) Abort(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = domain.ErrCollectiveFailure.WithDetails("fabric aborted").WithCause(err)
		f.broadcastLocked()
	}
}

func (f *Fabric) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// waitLocked releases the lock until the next change or ctx is done.
func (f *Fabric) waitLocked(ctx context.Context) error {
	ch := f.changed
	f.mu.Unlock()
	defer f.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fabric) openedLocked(round uint64) bool {
	r, ok := f.rounds[round]
	return ok && r.n > 0
}

// FabricComm is one rank's handle on a Fabric.
type FabricComm struct {
	fabric  *Fabric
	rank    int
	hook    func(round uint64)
	offered uint64
}

var _ Comm = (*FabricComm)(nil)

// Size returns the number of ranks.
func (c *FabricComm) Size() int { return c.fabric.size }

// Rank returns this rank's index.
func (c *FabricComm) Rank() int { return c.rank }

// IsCoordinator reports whether this is rank 0.
func (c *FabricComm) IsCoordinator() bool { return c.rank == 0 }

// OnBlocked registers the barrier hook.
func (c *FabricComm) OnBlocked(fn func(round uint64)) { c.hook = fn }

// Opened reports whether any rank has contributed to round.
func (c *FabricComm) Opened(round uint64) bool {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openedLocked(round)
}

// Barrier blocks until all ranks arrive.
func (c *FabricComm) Barrier(ctx context.Context) error {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	gen := f.barrierGen
	f.barrierCount++
	if f.barrierCount == f.size {
		f.barrierCount = 0
		f.barrierGen++
		f.broadcastLocked()
		return nil
	}

	for f.barrierGen == gen {
		if f.err != nil {
			return f.err
		}
		next := f.joined[c.rank] + 1
		if c.hook != nil && next > c.offered && f.openedLocked(next) {
			c.offered = next
			f.mu.Unlock()
			c.hook(next)
			f.mu.Lock()
			continue
		}
		if err := f.waitLocked(ctx); err != nil {
			f.abortLocked(err)
			return f.err
		}
	}
	return nil
}

func (f *Fabric) abortLocked(err error) {
	if f.err == nil {
		f.err = domain.ErrCollectiveFailure.WithDetails("barrier interrupted").WithCause(err)
		f.broadcastLocked()
	}
}

// IallreduceMax contributes values to round.
func (c *FabricComm) IallreduceMax(round uint64, values []uint64) (Request, error) {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	r, ok := f.rounds[round]
	if !ok {
		r = &fabricRound{
			width:  len(values),
			seen:   make([]bool, f.size),
			result: make([]uint64, len(values)),
		}
		f.rounds[round] = r
	}
	if r.seen[c.rank] {
		return nil, domain.ErrCollectiveFailure.WithDetailsf("rank %d contributed twice to round %d", c.rank, round)
	}
	if len(values) != r.width {
		r.err = domain.ErrMalformedReduction.WithDetailsf("round %d: rank %d sent %d values, want %d", round, c.rank, len(values), r.width)
	} else {
		maxInto(r.result, values)
	}
	r.seen[c.rank] = true
	r.n++
	if round > f.joined[c.rank] {
		f.joined[c.rank] = round
	}
	f.broadcastLocked()

	return &fabricRequest{fabric: f, round: r}, nil
}

type fabricRequest struct {
	fabric *Fabric
	round  *fabricRound
}

func (q *fabricRequest) doneLocked() ([]uint64, bool, error) {
	if q.round.n < q.fabric.size {
		if q.fabric.err != nil {
			return nil, false, q.fabric.err
		}
		return nil, false, nil
	}
	if q.round.err != nil {
		return nil, true, q.round.err
	}
	return cloneValues(q.round.result), true, nil
}

func (q *fabricRequest) Test() ([]uint64, bool, error) {
	q.fabric.mu.Lock()
	defer q.fabric.mu.Unlock()
	return q.doneLocked()
}

func (q *fabricRequest) Wait(ctx context.Context) ([]uint64, error) {
	f := q.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		values, done, err := q.doneLocked()
		if err != nil {
			return nil, err
		}
		if done {
			return values, nil
		}
		if err := f.waitLocked(ctx); err != nil {
			return nil, domain.ErrCollectiveFailure.WithDetails("wait interrupted").WithCause(err)
		}
	}
}
