package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/runner/config"
	"github.com/yndnr/simctl/internal/storage/masterlog"
	"github.com/yndnr/simctl/internal/storage/statestore"
)

func testConfig(t *testing.T, ranks int, steps uint64) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Run.Steps = steps
	cfg.Cluster.Mode = config.ModeLocal
	cfg.Cluster.Ranks = ranks
	cfg.Checkpoint.Period = "3"
	cfg.Checkpoint.Dir = filepath.Join(t.TempDir(), "ckpt")
	cfg.Consensus.Debounce = 0
	cfg.Sim.Samples = 100
	cfg.Plugins.EstimatePeriod = "5"
	if err := config.Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return cfg
}

func runWithTimeout(t *testing.T, r *Runner) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.Run(ctx)
}

func TestRunner_LocalRun(t *testing.T) {
	cfg := testConfig(t, 3, 10)
	r := New(cfg)

	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	steps, err := masterlog.New(cfg.Checkpoint.Dir).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if want := []uint64{0, 3, 6, 9}; !slices.Equal(steps, want) {
		t.Errorf("master log = %v, want %v", steps, want)
	}

	st := r.Status().(Status)
	if st.RunID != r.RunID() || st.Size != 3 || len(st.Ranks) != 3 {
		t.Fatalf("Status() = %+v", st)
	}
	for _, rs := range st.Ranks {
		if rs.State != "terminated" || rs.Step != 10 || rs.CheckpointCount != 4 {
			t.Errorf("rank %d status = %+v", rs.Rank, rs)
		}
	}
	for rank := range 3 {
		if _, err := os.Stat(statestore.RankDir(cfg.Checkpoint.Dir, rank)); err != nil {
			t.Errorf("rank %d state store missing: %v", rank, err)
		}
	}
}

func TestRunner_RestartContinuesFromLatest(t *testing.T) {
	cfg := testConfig(t, 2, 10)
	if err := runWithTimeout(t, New(cfg)); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	cfg.Run.Steps = 14
	cfg.Checkpoint.Restart = true
	r := New(cfg)
	if err := runWithTimeout(t, r); err != nil {
		t.Fatalf("restarted Run() error = %v", err)
	}
	for _, rs := range r.Status().(Status).Ranks {
		if rs.Step != 14 {
			t.Errorf("rank %d step = %d, want 14", rs.Rank, rs.Step)
		}
	}
}

func TestRunner_FailureAbortsPeers(t *testing.T) {
	cfg := testConfig(t, 2, 10)
	// A regular file where the checkpoint directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Checkpoint.Dir = filepath.Join(blocker, "ckpt")

	r := New(cfg)
	err := runWithTimeout(t, r)
	if err == nil {
		t.Fatal("Run() should fail")
	}
	if got := domain.Class(err); got != domain.ClassCheckpointWrite {
		t.Errorf("Class(%v) = %q, want %q", err, got, domain.ClassCheckpointWrite)
	}
	if r.Status().(Status).Error == "" {
		t.Error("Status() should report the failure")
	}
}

func TestRunner_ControlSocket(t *testing.T) {
	cfg := testConfig(t, 2, 5)
	cfg.Control.Socket = filepath.Join(t.TempDir(), "simctl.sock")

	r := New(cfg)
	ctx := context.Background()
	comms, err := r.connect(ctx, r.log)
	if err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if err := r.buildRanks(ctx, comms, r.log); err != nil {
		t.Fatalf("buildRanks() error = %v", err)
	}
	if err := r.startServers(r.log); err != nil {
		t.Fatalf("startServers() error = %v", err)
	}
	defer r.shutdown.Shutdown()

	conn, err := net.Dial("unix", cfg.Control.Socket)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)

	send := func(line string) map[string]any {
		t.Helper()
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		b, err := rd.ReadBytes('\n')
		if err != nil {
			t.Fatalf("ReadBytes() error = %v", err)
		}
		var resp map[string]any
		if err := json.Unmarshal(b, &resp); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", b, err)
		}
		return resp
	}

	if resp := send("status"); resp["ok"] != true {
		t.Fatalf("status response = %v", resp)
	}
	if resp := send("checkpoint 1"); resp["ok"] != true {
		t.Fatalf("checkpoint response = %v", resp)
	}
	if !r.fanout.Pending(1) || r.fanout.Pending(0) {
		t.Error("checkpoint 1 should reach rank 1 only")
	}
	if resp := send("stop 7"); resp["ok"] == true {
		t.Errorf("stop on an unknown rank should fail: %v", resp)
	}
}
