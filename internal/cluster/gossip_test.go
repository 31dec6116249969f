package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

func startFleet(t *testing.T, size int) []*Gossip {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	members := make([]*Gossip, 0, size)
	var seeds []string
	for i := 0; i < size; i++ {
		g, err := NewGossip(GossipConfig{
			NodeName:     fmt.Sprintf("node-%d", i),
			BindAddr:     "127.0.0.1",
			BindPort:     0,
			Seeds:        seeds,
			Size:         size,
			LocalProfile: true,
			Logger:       logger,
		})
		if err != nil {
			t.Fatalf("NewGossip(%d): %v", i, err)
		}
		t.Cleanup(func() { _ = g.Shutdown() })
		members = append(members, g)
		if seeds == nil {
			seeds = []string{g.Addr()}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for _, g := range members {
		wg.Add(1)
		go func(g *Gossip) {
			defer wg.Done()
			if err := g.WaitFleet(ctx); err != nil {
				t.Errorf("WaitFleet: %v", err)
			}
		}(g)
	}
	wg.Wait()
	return members
}

func TestGossip_RanksAndCollectives(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping gossip test in short mode")
	}
	members := startFleet(t, 3)

	for i, g := range members {
		if g.Rank() != i {
			t.Fatalf("node-%d rank = %d, want %d", i, g.Rank(), i)
		}
	}
	if !members[0].IsCoordinator() || members[1].IsCoordinator() {
		t.Fatal("coordinator must be rank 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([][]uint64, len(members))
	var wg sync.WaitGroup
	for i, g := range members {
		wg.Add(1)
		go func(i int, g *Gossip) {
			defer wg.Done()
			if err := g.Barrier(ctx); err != nil {
				t.Errorf("rank %d barrier: %v", i, err)
				return
			}
			req, err := g.IallreduceMax(1, []uint64{uint64(5 + i*2), uint64(i % 2), 0})
			if err != nil {
				t.Errorf("rank %d IallreduceMax: %v", i, err)
				return
			}
			results[i], err = req.Wait(ctx)
			if err != nil {
				t.Errorf("rank %d Wait: %v", i, err)
			}
			if err := g.Barrier(ctx); err != nil {
				t.Errorf("rank %d second barrier: %v", i, err)
			}
		}(i, g)
	}
	wg.Wait()

	want := []uint64{9, 1, 0}
	for i, got := range results {
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("rank %d result = %v, want %v", i, got, want)
		}
	}
}

func TestGossip_ProxyJoinInBarrier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping gossip test in short mode")
	}
	members := startFleet(t, 2)
	a, b := members[0], members[1]

	b.OnBlocked(func(round uint64) {
		if _, err := b.IallreduceMax(round, []uint64{100}); err != nil {
			t.Errorf("proxy join: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Barrier(ctx) }()

	req, err := a.IallreduceMax(1, []uint64{7})
	if err != nil {
		t.Fatal(err)
	}
	got, err := req.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got[0] != 100 {
		t.Fatalf("result = %v, want [100]", got)
	}
	if err := a.Barrier(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("b barrier: %v", err)
	}
}

func TestFleetDigest(t *testing.T) {
	if fleetDigest([]string{"b", "a"}) != fleetDigest([]string{"a", "b"}) {
		t.Fatal("digest depends on member order")
	}
	if fleetDigest([]string{"a", "b"}) == fleetDigest([]string{"a", "c"}) {
		t.Fatal("digest does not depend on membership")
	}
}
