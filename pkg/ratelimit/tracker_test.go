package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestThrottle_Disabled(t *testing.T) {
	th := NewThrottle("s", Config{Enabled: false, MaxRequestsPerSecond: 1, BurstSize: 1}, zerolog.Nop())
	for i := 0; i < 100; i++ {
		ok, err := th.Acquire(context.Background())
		if !ok || err != nil {
			t.Fatalf("Acquire() = %v, %v, want true, nil", ok, err)
		}
	}
}

func TestThrottle_DropStrategy(t *testing.T) {
	th := NewThrottle("s", Config{
		Enabled:              true,
		MaxRequestsPerSecond: 0.001,
		BurstSize:            2,
		Strategy:             StrategyDrop,
	}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := th.Acquire(ctx); !ok {
			t.Fatalf("Acquire() #%d = false, want true within burst", i+1)
		}
	}

	ok, err := th.Acquire(ctx)
	if ok || err != nil {
		t.Errorf("Acquire() = %v, %v, want false, nil when exhausted", ok, err)
	}

	state := th.State()
	if state.Admitted != 2 || state.Denied != 1 {
		t.Errorf("State() admitted=%d denied=%d, want 2 and 1", state.Admitted, state.Denied)
	}
}

func TestThrottle_DelayStrategy(t *testing.T) {
	th := NewThrottle("s", Config{
		Enabled:              true,
		MaxRequestsPerSecond: 50,
		BurstSize:            1,
		Strategy:             StrategyDelay,
	}, zerolog.Nop())

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		ok, err := th.Acquire(ctx)
		if !ok || err != nil {
			t.Fatalf("Acquire() = %v, %v, want true, nil", ok, err)
		}
	}

	// Two refills at 50/s take at least ~40ms
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("delay strategy did not wait, elapsed %v", elapsed)
	}
}

func TestThrottle_DelayHonorsContext(t *testing.T) {
	th := NewThrottle("s", Config{
		Enabled:              true,
		MaxRequestsPerSecond: 0.01,
		BurstSize:            1,
		Strategy:             StrategyDelay,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if ok, _ := th.Acquire(ctx); !ok {
		t.Fatal("first Acquire() should use the burst token")
	}
	ok, err := th.Acquire(ctx)
	if ok || err == nil {
		t.Errorf("Acquire() = %v, %v, want false and an error", ok, err)
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancellation error: %v", err)
	}
}

func TestTracker_PerScope(t *testing.T) {
	tr := NewTracker(Config{
		Enabled:              true,
		MaxRequestsPerSecond: 0.001,
		BurstSize:            1,
		Strategy:             StrategyDrop,
	}, zerolog.Nop())

	a := tr.For("exec-a")
	if tr.For("exec-a") != a {
		t.Error("For() should reuse the throttle of a scope")
	}

	ctx := context.Background()
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("exec-a first Acquire() = false")
	}
	if ok, _ := a.Acquire(ctx); ok {
		t.Error("exec-a second Acquire() = true, want false")
	}

	// Another scope has its own bucket
	if ok, _ := tr.For("exec-b").Acquire(ctx); !ok {
		t.Error("exec-b Acquire() = false, scopes must not share buckets")
	}

	if got := len(tr.States()); got != 2 {
		t.Errorf("States() len = %d, want 2", got)
	}

	tr.Release("exec-a")
	if tr.For("exec-a") == a {
		t.Error("Release() should drop the throttle")
	}
}
