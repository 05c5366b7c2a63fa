package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLimiter_NilIsNoop(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("nil Limiter Wait() error = %v", err)
	}
	l.Observe(context.Background(), http.Header{})
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{}, nil, zerolog.Nop())

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("disabled bucket should not delay requests")
	}
}

func TestLimiter_TokenBucket(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 50, Burst: 1}, nil, zerolog.Nop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// 1 burst token, then 5 more at 20ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("6 requests at 50/s took %v, want >= ~100ms", elapsed)
	}
}

func TestLimiter_Cancelled(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 0.1, Burst: 1}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait() after cancel expected error")
	}
}

func TestLimiter_ObserveFeedsTracker(t *testing.T) {
	tracker, _ := newTestTracker(t)
	l := NewLimiter(Config{}, tracker, zerolog.Nop())
	ctx := context.Background()

	h := http.Header{}
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, "30")
	l.Observe(ctx, h)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}
