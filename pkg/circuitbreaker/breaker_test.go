package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(t *testing.T) *Breaker {
	t.Helper()
	b, err := New(Config{
		Name:                "interactions",
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	return b
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(t)
	ctx := context.Background()
	boom := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected dependency error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker must not run the call")
	}
	if !IsRejected(err) {
		t.Errorf("expected rejection, got %v", err)
	}
	if h := b.Health(); h.Healthy || h.State != StateOpen {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestDoWithFallback(t *testing.T) {
	b := testBreaker(t)
	ctx := context.Background()

	v, err := DoWithFallback(ctx, b,
		func(context.Context) (int, error) { return 7, nil },
		func(error) (int, error) { return -1, nil })
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d (%v)", v, err)
	}

	var seen error
	v, err = DoWithFallback(ctx, b,
		func(context.Context) (int, error) { return 0, errors.New("timeout") },
		func(cause error) (int, error) {
			seen = cause
			return 42, nil
		})
	if err != nil || v != 42 {
		t.Fatalf("expected fallback value, got %d (%v)", v, err)
	}
	if seen == nil || IsRejected(seen) {
		t.Errorf("fallback should see the dependency error, got %v", seen)
	}
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	b := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, func(context.Context) error { return context.Canceled })
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed breaker, got %s", b.State())
	}
}

func TestNewRequiresName(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for unnamed breaker")
	}
}

func TestOnStateChange(t *testing.T) {
	var transitions []State
	b, err := New(Config{
		Name:                "interactions",
		Timeout:             time.Minute,
		ConsecutiveFailures: 1,
		OnStateChange: func(name string, to State) {
			if name != "interactions" {
				t.Errorf("unexpected breaker name %q", name)
			}
			transitions = append(transitions, to)
		},
	}, nil)
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}

	b.Call(context.Background(), func(context.Context) error { return errors.New("timeout") })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("expected a single open transition, got %v", transitions)
	}
}
