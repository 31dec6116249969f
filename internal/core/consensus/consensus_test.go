package consensus

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/simctl/internal/cluster"
	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/infra/trigger"
)

type recorder struct {
	mu          sync.Mutex
	target      uint64
	targets     []uint64
	checkpoints []uint64
}

func newRecorder(target uint64) *recorder {
	return &recorder{target: target}
}

func (r *recorder) ScheduleCheckpoint(step uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints = append(r.checkpoints, step)
}

func (r *recorder) ReduceTarget(step uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step < r.target {
		r.target = step
	}
	r.targets = append(r.targets, r.target)
}

func (r *recorder) Target() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

type observed struct {
	decision  domain.Decision
	discarded bool
}

type observer struct {
	mu  sync.Mutex
	got []observed
}

func (o *observer) observe(d domain.Decision, discarded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, observed{d, discarded})
}

func (o *observer) seen() []observed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observed(nil), o.got...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProtocol(comm cluster.Comm, sig Signals, sched Schedule) *Protocol {
	return New(comm, sig, sched, WithDebounce(0), WithLogger(quietLogger()))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitOpened(t *testing.T, comm cluster.Comm, round uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !comm.Opened(round) {
		if time.Now().After(deadline) {
			t.Errorf("round %d never opened", round)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProtocol_SingleRankCheckpoint(t *testing.T) {
	ctx := testCtx(t)
	var sig trigger.Pending
	rec := newRecorder(100)
	p := newProtocol(cluster.NewFabric(1).Comm(0), &sig, rec)

	if d, err := p.Step(ctx, 2); err != nil || d != (domain.Decision{}) {
		t.Fatalf("Step(2) without request = %v %v", d, err)
	}

	sig.RequestCheckpoint()
	d, err := p.Step(ctx, 3)
	if err != nil {
		t.Fatalf("Step(3): %v", err)
	}
	want := domain.Decision{Round: 1, Step: 4, Checkpoint: true}
	if d != want {
		t.Fatalf("decision = %v, want %v", d, want)
	}
	if !reflect.DeepEqual(rec.checkpoints, []uint64{4}) {
		t.Fatalf("checkpoints = %v, want [4]", rec.checkpoints)
	}
	if rec.Target() != 100 {
		t.Fatalf("target changed to %d by a checkpoint-only round", rec.Target())
	}
	if p.State() != Idle || p.Round() != 2 {
		t.Fatalf("state %v round %d after decision", p.State(), p.Round())
	}
}

func TestProtocol_CheckpointAndStopCoalesce(t *testing.T) {
	ctx := testCtx(t)
	var sig trigger.Pending
	rec := newRecorder(100)

	// A stop arriving during the debounce window joins the same round.
	p := New(cluster.NewFabric(1).Comm(0), &sig, rec,
		WithLogger(quietLogger()),
		WithSleep(func(context.Context, time.Duration) error {
			sig.RequestStop()
			return nil
		}))

	sig.RequestCheckpoint()
	d, err := p.Step(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if d != (domain.Decision{Round: 1, Step: 11, Checkpoint: true, Stop: true}) {
		t.Fatalf("decision = %v", d)
	}
	if rec.Target() != 11 || !reflect.DeepEqual(rec.checkpoints, []uint64{11}) {
		t.Fatalf("target %d checkpoints %v", rec.Target(), rec.checkpoints)
	}
	if p.Round() != 2 {
		t.Fatalf("coalesced requests used %d rounds", p.Round()-1)
	}
}

func TestProtocol_PermissionWindow(t *testing.T) {
	ctx := testCtx(t)
	var sig trigger.Pending
	rec := newRecorder(100)
	p := newProtocol(cluster.NewFabric(1).Comm(0), &sig, rec)

	sig.RequestCheckpoint()
	if _, err := p.Step(ctx, 3); err != nil {
		t.Fatal(err)
	}

	// Step 4 is the scheduled step itself, not past it.
	sig.RequestCheckpoint()
	d, err := p.Step(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if d != (domain.Decision{}) {
		t.Fatalf("request at scheduled step produced %v", d)
	}
	if sig.Pending() {
		t.Fatal("request not drained when not permitted")
	}

	sig.RequestCheckpoint()
	d, err = p.Step(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if d.Step != 6 || d.Round != 2 {
		t.Fatalf("decision at step 5 = %v", d)
	}
	if !reflect.DeepEqual(rec.checkpoints, []uint64{4, 6}) {
		t.Fatalf("checkpoints = %v, want [4 6]", rec.checkpoints)
	}
}

func TestProtocol_StepZeroAlwaysPermitted(t *testing.T) {
	ctx := testCtx(t)
	var sig trigger.Pending
	rec := newRecorder(50)
	p := newProtocol(cluster.NewFabric(1).Comm(0), &sig, rec)

	sig.RequestStop()
	d, err := p.Step(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Step != 1 || !d.Stop || rec.Target() != 1 {
		t.Fatalf("decision %v target %d", d, rec.Target())
	}

	// After a soft restart the counter goes back to zero.
	p.Reset()
	sig.RequestCheckpoint()
	d, err = p.Step(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Round != 2 || d.Step != 1 || !d.Checkpoint {
		t.Fatalf("decision after Reset = %v", d)
	}
}

func TestProtocol_TargetNeverIncreases(t *testing.T) {
	ctx := testCtx(t)
	var sig trigger.Pending
	rec := newRecorder(30)
	p := newProtocol(cluster.NewFabric(1).Comm(0), &sig, rec)

	for _, step := range []uint64{5, 12, 3} {
		if step <= p.lastScheduled {
			p.Reset()
		}
		sig.RequestStop()
		if _, err := p.Step(ctx, step); err != nil {
			t.Fatal(err)
		}
	}

	prev := uint64(30)
	for _, tgt := range rec.targets {
		if tgt > prev {
			t.Fatalf("target rose from %d to %d: %v", prev, tgt, rec.targets)
		}
		prev = tgt
	}
	if rec.Target() != 4 {
		t.Fatalf("final target = %d, want 4", rec.Target())
	}
}

func TestProtocol_DropWhileInFlight(t *testing.T) {
	ctx := testCtx(t)
	f := cluster.NewFabric(2)
	var sig0 trigger.Pending
	rec0, rec1 := newRecorder(100), newRecorder(100)
	p0 := newProtocol(f.Comm(0), &sig0, rec0)
	p1 := newProtocol(f.Comm(1), nil, rec1)

	sig0.RequestCheckpoint()
	if _, err := p0.Step(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if p0.State() != AwaitingConsensus {
		t.Fatalf("state = %v, want awaiting", p0.State())
	}

	sig0.RequestStop()
	if _, err := p0.Step(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if sig0.Pending() {
		t.Fatal("request observed while awaiting was not drained")
	}

	d1, err := p1.Step(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	d0, err := p0.Step(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Decision{Round: 1, Step: 2, Checkpoint: true}
	if d0 != want || d1 != want {
		t.Fatalf("decisions %v / %v, want %v", d0, d1, want)
	}
	if rec0.Target() != 100 {
		t.Fatal("dropped stop request was applied")
	}
}

// runRank drives one rank the way the control loop does and returns the
// last step it executed.
func runRank(ctx context.Context, p *Protocol, rec *recorder, start uint64) (uint64, error) {
	step := start
	for {
		if _, err := p.Step(ctx, step); err != nil {
			return step, err
		}
		if step >= rec.Target() {
			break
		}
		step++
	}
	return step, p.Finish(ctx, step)
}

func TestProtocol_StopFromOneOfFourRanks(t *testing.T) {
	ctx := testCtx(t)
	f := cluster.NewFabric(4)
	starts := []uint64{7, 5, 6, 9}

	sigs := make([]*trigger.Pending, 4)
	recs := make([]*recorder, 4)
	protos := make([]*Protocol, 4)
	for i := range protos {
		sigs[i] = &trigger.Pending{}
		recs[i] = newRecorder(100)
		protos[i] = newProtocol(f.Comm(i), sigs[i], recs[i])
	}
	sigs[0].RequestStop()

	ends := make([]uint64, 4)
	var wg sync.WaitGroup
	for i := range protos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i != 0 {
				waitOpened(t, f.Comm(i), 1)
			}
			end, err := runRank(ctx, protos[i], recs[i], starts[i])
			if err != nil {
				t.Errorf("rank %d: %v", i, err)
			}
			ends[i] = end
		}(i)
	}
	wg.Wait()

	// Rank 0 proposes 8; the others contribute their current step.
	const agreed = 9
	for i := range protos {
		if recs[i].Target() != agreed {
			t.Errorf("rank %d target = %d, want %d", i, recs[i].Target(), agreed)
		}
		if ends[i] != agreed {
			t.Errorf("rank %d ended at %d, want %d", i, ends[i], agreed)
		}
		if got := protos[i].LastDecision(); got != (domain.Decision{Round: 1, Step: agreed, Stop: true}) {
			t.Errorf("rank %d decision = %v", i, got)
		}
	}
}

func TestProtocol_DeterministicAcrossRanks(t *testing.T) {
	ctx := testCtx(t)
	const size = 8
	rng := rand.New(rand.NewSource(42))

	f := cluster.NewFabric(size)
	starts := make([]uint64, size)
	sigs := make([]*trigger.Pending, size)
	recs := make([]*recorder, size)
	protos := make([]*Protocol, size)
	signalled := map[int]bool{1: true, 4: true, 6: true}
	var wantStep uint64

	for i := 0; i < size; i++ {
		starts[i] = uint64(10 + rng.Intn(10))
		sigs[i] = &trigger.Pending{}
		recs[i] = newRecorder(1000)
		protos[i] = newProtocol(f.Comm(i), sigs[i], recs[i])
		if signalled[i] {
			sigs[i].RequestCheckpoint()
			if i == 6 {
				sigs[i].RequestStop()
			}
			if starts[i]+1 > wantStep {
				wantStep = starts[i] + 1
			}
		} else if starts[i] > wantStep {
			wantStep = starts[i]
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := protos[i]
			if signalled[i] {
				// Every signaller proposes from its start step.
				if _, err := p.Step(ctx, starts[i]); err != nil {
					t.Errorf("rank %d: %v", i, err)
					return
				}
			} else {
				waitOpened(t, f.Comm(i), 1)
			}
			if _, err := runRank(ctx, p, recs[i], starts[i]+boolValue(signalled[i])); err != nil {
				t.Errorf("rank %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	first := protos[0].LastDecision()
	if first.Step != wantStep || !first.Checkpoint || !first.Stop {
		t.Fatalf("decision = %v, want step %d with checkpoint and stop", first, wantStep)
	}
	for i := 1; i < size; i++ {
		if got := protos[i].LastDecision(); got != first {
			t.Fatalf("rank %d decision %v differs from rank 0 %v", i, got, first)
		}
		if !reflect.DeepEqual(recs[i].checkpoints, recs[0].checkpoints) {
			t.Fatalf("rank %d checkpoints %v differ from %v", i, recs[i].checkpoints, recs[0].checkpoints)
		}
	}
}

func TestProtocol_ProxyJoinInBarrier(t *testing.T) {
	ctx := testCtx(t)
	f := cluster.NewFabric(2)
	c0, c1 := f.Comm(0), f.Comm(1)
	var sig0 trigger.Pending
	rec0, rec1 := newRecorder(100), newRecorder(100)
	var obs1 observer
	p0 := newProtocol(c0, &sig0, rec0)
	p1 := New(c1, nil, rec1, WithDebounce(0), WithLogger(quietLogger()), WithObserver(obs1.observe))

	if _, err := p1.Step(ctx, 3); err != nil {
		t.Fatal(err)
	}
	barrier := make(chan error, 1)
	go func() { barrier <- c1.Barrier(ctx) }()

	sig0.RequestCheckpoint()
	if _, err := p0.Step(ctx, 3); err != nil {
		t.Fatal(err)
	}
	// Blocks at its apply-at until rank 1 joins from inside the barrier.
	d0, err := p0.Step(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := c0.Barrier(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-barrier; err != nil {
		t.Fatalf("rank 1 barrier: %v", err)
	}

	d1, err := p1.Step(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Decision{Round: 1, Step: 4, Checkpoint: true}
	if d0 != want || d1 != want {
		t.Fatalf("decisions %v / %v, want %v", d0, d1, want)
	}
	if !reflect.DeepEqual(rec1.checkpoints, []uint64{4}) {
		t.Fatalf("rank 1 checkpoints = %v", rec1.checkpoints)
	}
	if got := obs1.seen(); !reflect.DeepEqual(got, []observed{{want, false}}) {
		t.Fatalf("rank 1 observed %v, want one applied %v", got, want)
	}
}

func TestProtocol_FinishDiscardsPastEnd(t *testing.T) {
	ctx := testCtx(t)
	f := cluster.NewFabric(2)
	var sig0 trigger.Pending
	rec0, rec1 := newRecorder(10), newRecorder(10)
	var obs0, obs1 observer
	p0 := New(f.Comm(0), &sig0, rec0, WithDebounce(0), WithLogger(quietLogger()), WithObserver(obs0.observe))
	p1 := New(f.Comm(1), nil, rec1, WithDebounce(0), WithLogger(quietLogger()), WithObserver(obs1.observe))

	if _, err := p1.Step(ctx, 10); err != nil {
		t.Fatal(err)
	}
	sig0.RequestStop()
	sig0.RequestCheckpoint()
	if _, err := p0.Step(ctx, 10); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i, p := range []*Protocol{p0, p1} {
		wg.Add(1)
		go func(i int, p *Protocol) {
			defer wg.Done()
			if err := p.Finish(ctx, 10); err != nil {
				t.Errorf("rank %d Finish: %v", i, err)
			}
		}(i, p)
	}
	wg.Wait()

	for i, rec := range []*recorder{rec0, rec1} {
		if len(rec.checkpoints) != 0 || rec.Target() != 10 {
			t.Errorf("rank %d applied a discarded decision: %v target %d", i, rec.checkpoints, rec.Target())
		}
	}
	if p0.Round() != 2 || p1.Round() != 2 {
		t.Fatalf("rounds %d / %d, want both 2", p0.Round(), p1.Round())
	}
	want := []observed{{domain.Decision{Round: 1, Step: 11, Checkpoint: true, Stop: true}, true}}
	for i, obs := range []*observer{&obs0, &obs1} {
		if got := obs.seen(); !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d observed %v, want %v", i, got, want)
		}
	}
}

func TestProtocol_MalformedReduction(t *testing.T) {
	ctx := testCtx(t)
	f := cluster.NewFabric(2)
	var sig trigger.Pending
	p := newProtocol(f.Comm(0), &sig, newRecorder(10))

	if _, err := f.Comm(1).IallreduceMax(1, []uint64{1}); err != nil {
		t.Fatal(err)
	}
	sig.RequestCheckpoint()
	_, err := p.Step(ctx, 2)
	if err == nil {
		_, err = p.Step(ctx, 3)
	}
	if domain.Class(err) != domain.ClassCollective {
		t.Fatalf("error = %v, want a collective failure", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", PendingLocal: "pending_local", AwaitingConsensus: "awaiting_consensus", Applying: "applying"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
