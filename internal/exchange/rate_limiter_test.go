package exchange

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_AcquireWithinBurst(t *testing.T) {
	limiter := NewRateLimiter(10, 5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst acquires should not block, took %v", elapsed)
	}

	stats := limiter.Stats()
	if stats.TotalRequests != 5 {
		t.Errorf("TotalRequests = %d, want 5", stats.TotalRequests)
	}
	if stats.TotalWaits != 0 {
		t.Errorf("TotalWaits = %d, want 0", stats.TotalWaits)
	}
}

func TestRateLimiter_BlocksWhenExhausted(t *testing.T) {
	limiter := NewRateLimiter(100, 2)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, 2); err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}

	start := time.Now()
	if err := limiter.Acquire(ctx, 2); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("exhausted bucket should block, took only %v", elapsed)
	}

	if stats := limiter.Stats(); stats.TotalWaits == 0 {
		t.Error("expected a recorded wait")
	}
}

func TestRateLimiter_AcquireHonoursContext(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	ctx := context.Background()
	if err := limiter.Acquire(ctx, 1); err != nil {
		t.Fatalf("initial acquire failed: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(cancelCtx, 1); err == nil {
		t.Error("expected context deadline error")
	}
}

func TestRateLimiter_PenalizeDelaysNextAcquire(t *testing.T) {
	limiter := NewRateLimiter(1000, 10)
	limiter.Penalize(50 * time.Millisecond)

	start := time.Now()
	if err := limiter.Acquire(context.Background(), 10); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("penalised bucket should delay, took only %v", elapsed)
	}
}
