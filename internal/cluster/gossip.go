package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/yndnr/simctl/internal/core/domain"
)

// DefaultLeaveGrace is how long a departed member's in-flight messages are
// awaited before collectives that need it fail.
const DefaultLeaveGrace = 2 * time.Second

// GossipConfig configures a Gossip rank.
type GossipConfig struct {
	// NodeName is the unique member name. Ranks are assigned in sorted
	// name order.
	NodeName string

	// BindAddr and BindPort are the memberlist listen address. Port 0
	// picks a free port.
	BindAddr string
	BindPort int

	// Seeds are existing members to join (host:port).
	Seeds []string

	// Size is the expected fleet size.
	Size int

	// LocalProfile selects memberlist's loopback timings.
	LocalProfile bool

	// LeaveGrace overrides DefaultLeaveGrace.
	LeaveGrace time.Duration

	// SecretKey enables memberlist encryption (16, 24 or 32 bytes).
	SecretKey []byte

	Logger *slog.Logger
}

// Gossip is a Comm for one rank per process.
type Gossip struct {
	cfg    GossipConfig
	ml     *memberlist.Memberlist
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{}
	err     error

	ready   bool
	backlog []message
	names   []string
	nodes   map[string]*memberlist.Node
	rank    int
	digest  uint32

	barrierGen uint64
	arrivals   map[uint64]map[string]struct{}
	rounds     map[uint64]*gossipRound
	announced  uint64
	joined     uint64
	departed   map[string]time.Time

	hook    func(round uint64)
	offered uint64

	shutdown bool
}

type gossipRound struct {
	width  int
	from   map[string]struct{}
	result []uint64
	err    error
}

var _ Comm = (*Gossip)(nil)

// NewGossip starts memberlist and joins the seeds. Call WaitFleet before
// using any collective.
func NewGossip(cfg GossipConfig) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.LeaveGrace <= 0 {
		cfg.LeaveGrace = DefaultLeaveGrace
	}

	g := &Gossip{
		cfg:      cfg,
		logger:   cfg.Logger,
		changed:  make(chan struct{}),
		nodes:    make(map[string]*memberlist.Node),
		arrivals: make(map[uint64]map[string]struct{}),
		rounds:   make(map[uint64]*gossipRound),
		departed: make(map[string]time.Time),
	}

	mlConfig := memberlist.DefaultLANConfig()
	if cfg.LocalProfile {
		mlConfig = memberlist.DefaultLocalConfig()
	}
	mlConfig.Name = cfg.NodeName
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = &gossipDelegate{gossip: g}
	mlConfig.Events = &eventDelegate{gossip: g}
	mlConfig.LogOutput = &slogWriter{logger: cfg.Logger}
	if len(cfg.SecretKey) > 0 {
		mlConfig.SecretKey = cfg.SecretKey
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("join seed nodes: %w", err)
		}
		g.logger.Info("joined cluster",
			"node", cfg.NodeName,
			"seed_nodes", cfg.Seeds,
			"joined_count", n)
	} else {
		g.logger.Info("started gossip (bootstrap mode)", "node", cfg.NodeName)
	}

	return g, nil
}

// Addr returns the host:port other members can join.
func (g *Gossip) Addr() string {
	n := g.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// WaitFleet blocks until Size members have joined, then fixes rank
// assignment and the fleet digest.
func (g *Gossip) WaitFleet(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for g.ml.NumMembers() < g.cfg.Size {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return domain.ErrFleetMismatch.WithDetailsf("%d of %d members joined", g.ml.NumMembers(), g.cfg.Size).WithCause(ctx.Err())
		}
	}

	members := g.ml.Members()
	if len(members) != g.cfg.Size {
		return domain.ErrFleetMismatch.WithDetailsf("%d members joined, want %d", len(members), g.cfg.Size)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.names = make([]string, 0, len(members))
	for _, m := range members {
		g.names = append(g.names, m.Name)
		g.nodes[m.Name] = m
	}
	sort.Strings(g.names)
	g.rank = sort.SearchStrings(g.names, g.cfg.NodeName)
	g.digest = fleetDigest(g.names)
	g.ready = true

	g.logger.Info("fleet assembled",
		"node", g.cfg.NodeName,
		"rank", g.rank,
		"size", len(g.names),
		"digest", g.digest)

	backlog := g.backlog
	g.backlog = nil
	for _, m := range backlog {
		g.handleLocked(m)
	}
	g.broadcastLocked()
	return nil
}

// Size returns the expected fleet size.
func (g *Gossip) Size() int { return g.cfg.Size }

// Rank returns this member's rank. Valid after WaitFleet.
func (g *Gossip) Rank() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rank
}

// IsCoordinator reports whether this is rank 0.
func (g *Gossip) IsCoordinator() bool { return g.Rank() == 0 }

// OnBlocked registers the barrier hook.
func (g *Gossip) OnBlocked(fn func(round uint64)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = fn
}

// Opened reports whether any member has contributed to round.
func (g *Gossip) Opened(round uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openedLocked(round)
}

func (g *Gossip) openedLocked(round uint64) bool {
	if round <= g.announced || round <= g.joined {
		return true
	}
	r, ok := g.rounds[round]
	return ok && len(r.from) > 0
}

// IallreduceMax contributes values to round and sends them to every peer.
func (g *Gossip) IallreduceMax(round uint64, values []uint64) (Request, error) {
	g.mu.Lock()
	if err := g.usableLocked(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	r := g.roundLocked(round, len(values))
	if _, dup := r.from[g.cfg.NodeName]; dup {
		g.mu.Unlock()
		return nil, domain.ErrCollectiveFailure.WithDetailsf("contributed twice to round %d", round)
	}
	g.contributeLocked(r, g.cfg.NodeName, round, values)
	if round > g.joined {
		g.joined = round
	}
	msg := g.messageLocked(kindReduce)
	msg.Round = round
	msg.Values = cloneValues(values)
	g.broadcastLocked()
	g.mu.Unlock()

	if err := g.send(msg); err != nil {
		return nil, err
	}
	return &gossipRequest{gossip: g, round: r}, nil
}

// Barrier blocks until every member has entered the same barrier.
func (g *Gossip) Barrier(ctx context.Context) error {
	g.mu.Lock()
	if err := g.usableLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	gen := g.barrierGen + 1
	g.arrivedLocked(gen, g.cfg.NodeName)
	msg := g.messageLocked(kindBarrier)
	msg.Gen = gen
	g.mu.Unlock()

	if err := g.send(msg); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.err != nil {
			return g.err
		}
		arrived := g.arrivals[gen]
		if len(arrived) == g.cfg.Size {
			delete(g.arrivals, gen)
			g.barrierGen = gen
			return nil
		}
		if err := g.departedLocked(arrived); err != nil {
			return err
		}
		next := g.joined + 1
		if g.hook != nil && next > g.offered && g.openedLocked(next) {
			g.offered = next
			hook := g.hook
			g.mu.Unlock()
			hook(next)
			g.mu.Lock()
			continue
		}
		if err := g.waitLocked(ctx); err != nil {
			return domain.ErrCollectiveFailure.WithDetails("barrier interrupted").WithCause(err)
		}
	}
}

// Shutdown leaves the fleet and stops memberlist.
func (g *Gossip) Shutdown() error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	g.mu.Unlock()

	if err := g.ml.Leave(time.Second); err != nil {
		g.logger.Warn("failed to leave cluster", "error", err)
	}
	if err := g.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	g.logger.Info("gossip shutdown complete", "node", g.cfg.NodeName)
	return nil
}

func (g *Gossip) usableLocked() error {
	if g.err != nil {
		return g.err
	}
	if !g.ready {
		return domain.ErrCollectiveFailure.WithDetails("fleet not assembled")
	}
	if g.shutdown {
		return domain.ErrCollectiveFailure.WithDetails("gossip shut down")
	}
	return nil
}

func (g *Gossip) messageLocked(kind messageKind) message {
	return message{
		Kind:   kind,
		From:   g.cfg.NodeName,
		Digest: g.digest,
		Joined: g.joined,
	}
}

func (g *Gossip) send(msg message) error {
	b, err := encodeMessage(msg)
	if err != nil {
		return domain.ErrCollectiveFailure.WithDetails("encode message").WithCause(err)
	}

	g.mu.Lock()
	peers := make([]*memberlist.Node, 0, len(g.names))
	for _, name := range g.names {
		if name != g.cfg.NodeName {
			peers = append(peers, g.nodes[name])
		}
	}
	g.mu.Unlock()

	for _, node := range peers {
		if err := g.ml.SendReliable(node, b); err != nil {
			return g.fail(domain.ErrCollectiveFailure.WithDetailsf("send %s to %s", msg.Kind, node.Name).WithCause(err))
		}
	}
	return nil
}

// fail records the first fatal error and returns the recorded one.
func (g *Gossip) fail(err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
		g.broadcastLocked()
	}
	return g.err
}

func (g *Gossip) deliver(m message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.backlog = append(g.backlog, m)
		return
	}
	g.handleLocked(m)
	g.broadcastLocked()
}

func (g *Gossip) handleLocked(m message) {
	if m.Digest != g.digest {
		if g.err == nil {
			g.err = domain.ErrFleetMismatch.WithDetailsf("digest %d from %s, local %d", m.Digest, m.From, g.digest)
		}
		return
	}
	if m.Joined > g.announced {
		g.announced = m.Joined
	}
	switch m.Kind {
	case kindReduce:
		r := g.roundLocked(m.Round, len(m.Values))
		if _, dup := r.from[m.From]; dup {
			return
		}
		g.contributeLocked(r, m.From, m.Round, m.Values)
	case kindBarrier:
		g.arrivedLocked(m.Gen, m.From)
	default:
		g.logger.Warn("unknown gossip message", "kind", m.Kind, "from", m.From)
	}
}

func (g *Gossip) roundLocked(round uint64, width int) *gossipRound {
	r, ok := g.rounds[round]
	if !ok {
		r = &gossipRound{
			width:  width,
			from:   make(map[string]struct{}, g.cfg.Size),
			result: make([]uint64, width),
		}
		g.rounds[round] = r
	}
	return r
}

func (g *Gossip) contributeLocked(r *gossipRound, from string, round uint64, values []uint64) {
	if len(values) != r.width {
		r.err = domain.ErrMalformedReduction.WithDetailsf("round %d: %s sent %d values, want %d", round, from, len(values), r.width)
	} else {
		maxInto(r.result, values)
	}
	r.from[from] = struct{}{}
}

func (g *Gossip) arrivedLocked(gen uint64, from string) {
	set, ok := g.arrivals[gen]
	if !ok {
		set = make(map[string]struct{}, g.cfg.Size)
		g.arrivals[gen] = set
	}
	set[from] = struct{}{}
}

// departedLocked fails when a member that has not yet arrived left the
// fleet longer than the grace period ago.
func (g *Gossip) departedLocked(have map[string]struct{}) error {
	now := time.Now()
	for name, at := range g.departed {
		if _, ok := have[name]; ok {
			continue
		}
		if now.Sub(at) >= g.cfg.LeaveGrace {
			g.err = domain.ErrFleetMismatch.WithDetailsf("member %s left the fleet", name)
			g.broadcastLocked()
			return g.err
		}
	}
	return nil
}

func (g *Gossip) memberLeft(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready || g.shutdown {
		return
	}
	if _, ok := g.nodes[name]; !ok {
		return
	}
	g.departed[name] = time.Now()
	time.AfterFunc(g.cfg.LeaveGrace, func() {
		g.mu.Lock()
		g.broadcastLocked()
		g.mu.Unlock()
	})
}

func (g *Gossip) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gossip) waitLocked(ctx context.Context) error {
	ch := g.changed
	g.mu.Unlock()
	defer g.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type gossipRequest struct {
	gossip *Gossip
	round  *gossipRound
}

func (q *gossipRequest) doneLocked() ([]uint64, bool, error) {
	g := q.gossip
	if len(q.round.from) < g.cfg.Size {
		if g.err != nil {
			return nil, false, g.err
		}
		if err := g.departedLocked(q.round.from); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if q.round.err != nil {
		return nil, true, q.round.err
	}
	return cloneValues(q.round.result), true, nil
}

func (q *gossipRequest) Test() ([]uint64, bool, error) {
	q.gossip.mu.Lock()
	defer q.gossip.mu.Unlock()
	return q.doneLocked()
}

func (q *gossipRequest) Wait(ctx context.Context) ([]uint64, error) {
	g := q.gossip
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		values, done, err := q.doneLocked()
		if err != nil {
			return nil, err
		}
		if done {
			return values, nil
		}
		if err := g.waitLocked(ctx); err != nil {
			return nil, domain.ErrCollectiveFailure.WithDetails("wait interrupted").WithCause(err)
		}
	}
}

// gossipDelegate receives user messages from memberlist.
type gossipDelegate struct {
	gossip *Gossip
}

// NodeMeta returns no metadata.
func (d *gossipDelegate) NodeMeta(limit int) []byte { return nil }

// NotifyMsg decodes a peer message. The buffer is only valid for the call.
func (d *gossipDelegate) NotifyMsg(b []byte) {
	buf := make([]byte, len(b))
	copy(buf, b)
	m, err := decodeMessage(buf)
	if err != nil {
		d.gossip.logger.Warn("dropping undecodable gossip message", "error", err)
		return
	}
	d.gossip.deliver(m)
}

// GetBroadcasts is called to get broadcasts to send (not used).
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState returns the local state for synchronization (not used).
func (d *gossipDelegate) LocalState(join bool) []byte { return nil }

// MergeRemoteState merges remote state (not used).
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	gossip *Gossip
}

// NotifyJoin is called when a node joins.
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	e.gossip.logger.Info("member joined",
		"member", node.Name,
		"addr", net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))))
}

// NotifyLeave is called when a node leaves.
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.gossip.logger.Info("member left", "member", node.Name, "addr", node.Addr.String())
	e.gossip.memberLeft(node.Name)
}

// NotifyUpdate is called when a node is updated.
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.gossip.logger.Debug("member updated", "member", node.Name)
}

// slogWriter adapts slog.Logger to io.Writer for memberlist.
type slogWriter struct {
	logger *slog.Logger
}

// Write implements io.Writer.
func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(string(p))
	return len(p), nil
}
