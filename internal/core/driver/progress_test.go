package driver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInterval(t *testing.T) {
	tests := []struct {
		target  uint64
		percent uint
		want    uint64
	}{
		{1000, 5, 50},
		{1000, 100, 1000},
		{10, 5, 1},
		{0, 5, 1},
		{333, 10, 33},
	}
	for _, tt := range tests {
		if got := interval(tt.target, tt.percent); got != tt.want {
			t.Errorf("interval(%d, %d) = %d, want %d", tt.target, tt.percent, got, tt.want)
		}
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func progressRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad record %q: %v", line, err)
		}
		if rec["msg"] == "progress" {
			out = append(out, rec)
		}
	}
	return out
}

func TestProgress_Reports(t *testing.T) {
	var buf bytes.Buffer
	c := &clock{t: time.Unix(0, 0)}
	p := newProgress(slog.New(slog.NewJSONHandler(&buf, nil)), true, 25, c.now)

	p.runStarted()
	p.calcStarted(0, 100)
	for step := uint64(1); step <= 100; step++ {
		c.t = c.t.Add(time.Second)
		p.stepDone(time.Second)
		p.report(step, 100)
	}

	recs := progressRecords(t, &buf)
	if len(recs) != 5 {
		t.Fatalf("got %d progress records, want 5", len(recs))
	}
	for i, want := range []float64{0, 25, 50, 75, 100} {
		if recs[i]["percent"] != want {
			t.Errorf("record %d percent = %v, want %v", i, recs[i]["percent"], want)
		}
	}
	if recs[2]["avg_step"] != "1s" {
		t.Errorf("avg_step = %v", recs[2]["avg_step"])
	}
}

func TestProgress_PercentClamp(t *testing.T) {
	for _, pct := range []uint{0, 101} {
		p := newProgress(slog.Default(), false, pct, time.Now)
		if p.percent != 100 {
			t.Errorf("percent %d clamped to %d", pct, p.percent)
		}
	}
}

func TestProgress_SilentOffCoordinator(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(slog.New(slog.NewJSONHandler(&buf, nil)), false, 10, time.Now)
	p.runStarted()
	p.initDone()
	p.calcStarted(0, 10)
	p.report(1, 10)
	p.calcDone(0)
	p.runDone()
	if buf.Len() != 0 {
		t.Fatalf("non-coordinator emitted %q", buf.String())
	}
}
