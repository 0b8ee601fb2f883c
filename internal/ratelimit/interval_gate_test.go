package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestIntervalGateAdmitsOnePerInterval(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := NewIntervalGate(client, "gate:test", time.Minute)

	ok, _, err := gate.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed got ok=%v err=%v", ok, err)
	}

	ok, wait, err := gate.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire inside the interval to be rejected")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("unexpected wait %s", wait)
	}
}

func TestIntervalGateWaitHonorsContext(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := NewIntervalGate(client, "gate:test", time.Minute)

	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
