package forwarder

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestGateBlocksForScaledPause(t *testing.T) {
	g := NewGate(nil, 1.5)
	ctx := context.Background()

	g.Block(ctx, 1, 100*time.Millisecond)

	start := time.Now()
	if err := g.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("gate opened after %s, want >= 150ms (100ms x1.5)", elapsed)
	}
}

func TestGateOpenByDefault(t *testing.T) {
	g := NewGate(nil, 1)

	start := time.Now()
	if err := g.Wait(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("ungated user must pass immediately")
	}
}

func TestGateIsPerUser(t *testing.T) {
	g := NewGate(nil, 1)
	ctx := context.Background()

	g.Block(ctx, 1, 200*time.Millisecond)

	start := time.Now()
	if err := g.Wait(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("another user must not be gated")
	}
}

func TestGateWaitHonorsCancellation(t *testing.T) {
	g := NewGate(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())

	g.Block(ctx, 1, time.Hour)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	if err := g.Wait(ctx, 1); err == nil {
		t.Error("expected context error from cancelled wait")
	}
}

func TestGateSurvivesRestartViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	before := NewGate(rdb, 1)
	before.Block(ctx, 1, time.Minute)

	// A fresh gate (same Redis) still sees the pause.
	after := NewGate(rdb, 1)
	if got := after.remaining(ctx, 1); got <= 0 {
		t.Errorf("restarted gate remaining = %s, want > 0", got)
	}

	// Expiring the key reopens the gate.
	mr.FastForward(2 * time.Minute)
	fresh := NewGate(rdb, 1)
	if got := fresh.remaining(ctx, 1); got > 0 {
		t.Errorf("expired gate remaining = %s, want 0", got)
	}
}
