package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client, "api.example.test", zerolog.Nop()), mr
}

func TestTracker_DefaultState(t *testing.T) {
	tracker, _ := newTestTracker(t)

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 100 || !state.IsHealthy {
		t.Errorf("default state = %+v, want healthy with 100 remaining", state)
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		wantRemain  int
		wantHealthy bool
		wantErr     bool
	}{
		{
			name:        "healthy",
			headers:     map[string]string{HeaderRemaining: "90", HeaderReset: "60"},
			wantRemain:  90,
			wantHealthy: true,
		},
		{
			name:       "warning",
			headers:    map[string]string{HeaderRemaining: "15", HeaderReset: "30"},
			wantRemain: 15,
		},
		{
			name:       "retry-after only",
			headers:    map[string]string{HeaderRetryAfter: "2"},
			wantRemain: 0,
		},
		{
			name:    "invalid remaining",
			headers: map[string]string{HeaderRemaining: "lots", HeaderReset: "60"},
			wantErr: true,
		},
		{
			name:    "missing reset",
			headers: map[string]string{HeaderRemaining: "10"},
			wantErr: true,
		},
		{
			name:    "invalid reset",
			headers: map[string]string{HeaderRemaining: "10", HeaderReset: "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(t)
			ctx := context.Background()

			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			err := tracker.UpdateFromHeaders(ctx, h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpdateFromHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.wantRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemain)
			}
			if state.IsHealthy != tt.wantHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.wantHealthy)
			}
		})
	}
}

func TestTracker_NoHeaders(t *testing.T) {
	tracker, mr := newTestTracker(t)

	if err := tracker.UpdateFromHeaders(context.Background(), http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys written, got %v", keys)
	}
}

func TestTracker_WaitHealthy(t *testing.T) {
	tracker, _ := newTestTracker(t)

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait() should not block in healthy state")
	}
}

func TestTracker_WaitCriticalCancelled(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	h := http.Header{}
	h.Set(HeaderRemaining, "1")
	h.Set(HeaderReset, "60")
	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tracker.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestTracker_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c1.Close()
	defer c2.Close()

	t1 := NewTracker(c1, "shared", zerolog.Nop())
	t2 := NewTracker(c2, "shared", zerolog.Nop())
	other := NewTracker(c2, "other", zerolog.Nop())
	ctx := context.Background()

	h := http.Header{}
	h.Set(HeaderRemaining, "42")
	h.Set(HeaderReset, "60")
	if err := t1.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatal(err)
	}

	state, err := t2.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Remaining != 42 {
		t.Errorf("second instance Remaining = %d, want 42", state.Remaining)
	}

	state, err = other.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Remaining != 100 {
		t.Errorf("other scope Remaining = %d, want default 100", state.Remaining)
	}
}
