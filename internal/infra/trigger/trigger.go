// Package trigger holds the per-rank pending control requests and the
// sources that raise them.
//
// A request only marks a flag. The consensus protocol drains the flags at
// its next step and turns them into a fleet-wide decision.
package trigger

import (
	"fmt"
	"strings"
	"sync"
)

// Kind is what a control request asks for.
type Kind uint8

const (
	// Checkpoint asks for a checkpoint at the agreed step.
	Checkpoint Kind = 1 << iota
	// Stop asks the run to end at the agreed step.
	Stop

	// Both asks for a final checkpoint and a stop.
	Both = Checkpoint | Stop
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Checkpoint:
		return "checkpoint"
	case Stop:
		return "stop"
	case Both:
		return "checkpoint+stop"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses "checkpoint", "stop" or "both".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "checkpoint":
		return Checkpoint, nil
	case "stop":
		return Stop, nil
	case "both", "checkpoint+stop":
		return Both, nil
	default:
		return 0, fmt.Errorf("trigger: unknown request %q", s)
	}
}

// Flags is a drained set of requests.
type Flags struct {
	Checkpoint bool
	Stop       bool
}

// Any reports whether any request is set.
func (f Flags) Any() bool {
	return f.Checkpoint || f.Stop
}

// Pending is one rank's set of outstanding requests. Safe for concurrent use.
type Pending struct {
	mu    sync.Mutex
	flags Flags
}

// Request marks k as pending. Repeated requests coalesce.
func (p *Pending) Request(k Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if k&Checkpoint != 0 {
		p.flags.Checkpoint = true
	}
	if k&Stop != 0 {
		p.flags.Stop = true
	}
}

// RequestCheckpoint marks a checkpoint as pending.
func (p *Pending) RequestCheckpoint() { p.Request(Checkpoint) }

// RequestStop marks a stop as pending.
func (p *Pending) RequestStop() { p.Request(Stop) }

// Pending reports whether any request is outstanding.
func (p *Pending) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags.Any()
}

// Drain returns and clears the outstanding requests.
func (p *Pending) Drain() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.flags
	p.flags = Flags{}
	return f
}

// AllRanks addresses every rank in Fanout.Deliver.
const AllRanks = -1

// Fanout delivers requests to the ranks hosted by this process. In local
// mode that is the whole fleet; with gossip it is a single rank.
type Fanout struct {
	ranks map[int]*Pending
	order []int
}

// NewFanout returns a fanout over the given rank set.
func NewFanout() *Fanout {
	return &Fanout{ranks: make(map[int]*Pending)}
}

// Add registers the pending set of rank and returns it. All ranks must be
// added before any source starts delivering.
func (f *Fanout) Add(rank int) *Pending {
	p := &Pending{}
	f.ranks[rank] = p
	f.order = append(f.order, rank)
	return p
}

// Ranks returns the hosted ranks in registration order.
func (f *Fanout) Ranks() []int {
	return append([]int(nil), f.order...)
}

// Pending reports whether rank has requests not yet drained. Unknown ranks
// have none.
func (f *Fanout) Pending(rank int) bool {
	p, ok := f.ranks[rank]
	return ok && p.Pending()
}

// Deliver raises k on rank, or on every hosted rank for AllRanks. It
// returns the number of ranks reached.
func (f *Fanout) Deliver(rank int, k Kind) int {
	if rank == AllRanks {
		for _, r := range f.order {
			f.ranks[r].Request(k)
		}
		return len(f.order)
	}
	p, ok := f.ranks[rank]
	if !ok {
		return 0
	}
	p.Request(k)
	return 1
}
