package metric

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestRegistry_RecordsEvents(t *testing.T) {
	r := NewRegistry()
	r.StepCompleted(0, 7, 3*time.Millisecond)
	r.TargetChanged(0, 9)
	r.CheckpointWritten(0, 6, time.Second)
	r.DecisionApplied(0, true, true, false)
	r.DecisionApplied(1, false, true, true)
	r.SoftRestart(0)
	r.ControlRequest("signal", "stop")

	out := scrape(t, r)
	for _, want := range []string{
		`simctl_step{rank="0"} 7`,
		`simctl_target_step{rank="0"} 9`,
		`simctl_checkpoints_total{rank="0"} 1`,
		`simctl_consensus_decisions_total{action="checkpoint_stop",outcome="applied",rank="0"} 1`,
		`simctl_consensus_decisions_total{action="stop",outcome="discarded",rank="1"} 1`,
		`simctl_soft_restarts_total{rank="0"} 1`,
		`simctl_control_requests_total{kind="stop",source="signal"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestCollector(t *testing.T) {
	r := NewRegistry()
	err := r.Register(NewCollector(func() []RankState {
		return []RankState{
			{Rank: 0, State: "running", CheckpointCount: 2},
			{Rank: 1, State: "draining", CheckpointCount: 2},
		}
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := scrape(t, r)
	for _, want := range []string{
		`simctl_rank_state{rank="0",state="running"} 1`,
		`simctl_rank_state{rank="1",state="draining"} 1`,
		`simctl_checkpoint_count{rank="1"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNopSatisfiesSink(t *testing.T) {
	var s Sink = Nop{}
	s.StepCompleted(0, 1, time.Millisecond)
	s.DecisionApplied(0, true, false, false)
}
