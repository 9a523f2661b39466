package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_WaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 requests per second = 100ms interval, starting with one token.
	l := New(Config{PerHostRPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://grants.example.org/a.xlsx"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://GRANTS.example.org/b.csv"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHostsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example.org/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://b.example.org/1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 100*time.Millisecond {
		t.Errorf("expected immediate token for a new host, waited %v", dur)
	}
}

func TestLimiter_DisabledNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 50 {
		if err := l.Wait(ctx, "https://a.example.org/1"); err != nil {
			t.Fatal(err)
		}
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected no limiting, took %v", dur)
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Wait(ctx, "https://a.example.org/1"); err != nil {
		t.Fatalf("nil limiter should be a no-op: %v", err)
	}
}

func TestLimiter_WaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.001, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "https://slow.example.org"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "https://slow.example.org"); err == nil {
		t.Fatal("expected error after cancellation")
	}
}
