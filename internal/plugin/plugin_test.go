package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/core/period"
)

type recorder struct {
	name     string
	notified []uint64
	saved    []uint64
	restored []uint64
	fail     error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, step uint64) error {
	r.notified = append(r.notified, step)
	return r.fail
}

func (r *recorder) Checkpoint(_ context.Context, step uint64, _ string) error {
	r.saved = append(r.saved, step)
	return r.fail
}

func (r *recorder) Restore(_ context.Context, step uint64, _ string) error {
	r.restored = append(r.restored, step)
	return r.fail
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnector_NotifyPeriods(t *testing.T) {
	c := NewConnector(quiet())
	every := &recorder{name: "every"}
	third := &recorder{name: "third"}
	c.Register(every, nil)
	c.Register(third, period.MustParse("3"))

	ctx := context.Background()
	for step := uint64(0); step <= 6; step++ {
		if err := c.Notify(ctx, step); err != nil {
			t.Fatalf("Notify(%d): %v", step, err)
		}
	}

	if !reflect.DeepEqual(every.notified, []uint64{0, 1, 2, 3, 4, 5, 6}) {
		t.Errorf("every = %v", every.notified)
	}
	if !reflect.DeepEqual(third.notified, []uint64{0, 3, 6}) {
		t.Errorf("third = %v", third.notified)
	}
	if got := c.Plugins(); !reflect.DeepEqual(got, []string{"every", "third"}) {
		t.Errorf("Plugins = %v", got)
	}
}

func TestConnector_CheckpointRestore(t *testing.T) {
	c := NewConnector(quiet())
	a, b := &recorder{name: "a"}, &recorder{name: "b"}
	c.Register(a, nil)
	c.Register(b, nil)

	ctx := context.Background()
	if err := c.Checkpoint(ctx, 9, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := c.Restore(ctx, 9, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*recorder{a, b} {
		if !reflect.DeepEqual(r.saved, []uint64{9}) || !reflect.DeepEqual(r.restored, []uint64{9}) {
			t.Errorf("%s saved=%v restored=%v", r.name, r.saved, r.restored)
		}
	}
}

func TestConnector_ErrorsAreTyped(t *testing.T) {
	boom := errors.New("boom")
	c := NewConnector(quiet())
	bad := &recorder{name: "bad", fail: boom}
	after := &recorder{name: "after"}
	c.Register(bad, nil)
	c.Register(after, nil)

	ctx := context.Background()
	tests := []struct {
		name string
		call func() error
		want *domain.DomainError
	}{
		{"notify", func() error { return c.Notify(ctx, 1) }, domain.ErrNotifyFailed},
		{"checkpoint", func() error { return c.Checkpoint(ctx, 1, "") }, domain.ErrCheckpointWrite},
		{"restore", func() error { return c.Restore(ctx, 1, "") }, domain.ErrRestoreFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
	if len(after.notified)+len(after.saved)+len(after.restored) != 0 {
		t.Errorf("plugins after a failure were called")
	}
}

type fixed struct{}

func (fixed) Estimate() (float64, uint64) { return 3.0, 100 }

func TestEstimate_Notify(t *testing.T) {
	e := NewEstimate(fixed{}, quiet())
	if e.Name() != "estimate" {
		t.Fatalf("Name = %q", e.Name())
	}
	if err := e.Notify(context.Background(), 4); err != nil {
		t.Fatal(err)
	}
	if e.Last() != 3.0 {
		t.Errorf("Last = %v", e.Last())
	}
}

func TestFunc(t *testing.T) {
	var seen uint64
	f := Func{ID: "f", Fn: func(_ context.Context, step uint64) error {
		seen = step
		return nil
	}}
	c := NewConnector(quiet())
	c.Register(f, nil)
	if err := c.Notify(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if seen != 7 {
		t.Errorf("seen = %d", seen)
	}
}
