package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type permanent struct{ error }

func (permanent) Permanent() bool { return true }

func TestKeyDeterministic(t *testing.T) {
	k1 := Key("draft", "sub-1", "3")
	k2 := Key("draft", "sub-1", "3")
	if k1 != k2 {
		t.Error("same parts must produce the same key")
	}
	if len(k1) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(k1))
	}
	if Key("a", "", "b") == Key("a", "b", "") {
		t.Error("part positions must matter")
	}
	if Key("revalidation", "prescription.drafts/0/7") == Key("revalidation", "prescription.drafts/0/8") {
		t.Error("distinct offsets must produce distinct keys")
	}
}

func TestInboxReplaysFinishedResult(t *testing.T) {
	inbox := NewInbox(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"valid":true}`), nil
	}

	first, err := inbox.Process(ctx, "k1", "revalidate", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if first.Replayed {
		t.Error("first run must not be a replay")
	}

	second, err := inbox.Process(ctx, "k1", "revalidate", json.RawMessage(`{}`), fn)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !second.Replayed || string(second.Result) != `{"valid":true}` {
		t.Errorf("expected replayed result, got %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestInboxRetriesTransientFailure(t *testing.T) {
	inbox := NewInbox(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	boom := errors.New("catalog unavailable")
	if _, err := inbox.Process(ctx, "k2", "revalidate", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	out, err := inbox.Process(ctx, "k2", "revalidate", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !out.Recovered {
		t.Error("expected recovered outcome")
	}
}

func TestInboxPermanentFailure(t *testing.T) {
	inbox := NewInbox(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k3", "revalidate", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, permanent{errors.New("malformed draft")}
	})
	if err == nil {
		t.Fatal("expected handler error")
	}

	_, err = inbox.Process(ctx, "k3", "revalidate", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Error("handler must not run for a failed key")
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("expected ErrPreviouslyFailed, got %v", err)
	}
}

func TestInboxInProgressAndStale(t *testing.T) {
	store := NewMemoryStore()
	inbox := NewInbox(store, Config{TTL: time.Hour, StaleAfter: time.Minute}, nil)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	inbox.now = func() time.Time { return base.Add(10 * time.Second) }

	if err := store.Claim(ctx, "k4", "other", nil, base.Add(time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	if _, err := inbox.Process(ctx, "k4", "revalidate", nil, noop); !errors.Is(err, ErrMessageInProgress) {
		t.Fatalf("expected ErrMessageInProgress, got %v", err)
	}

	inbox.now = func() time.Time { return base.Add(5 * time.Minute) }
	out, err := inbox.Process(ctx, "k4", "revalidate", nil, noop)
	if err != nil {
		t.Fatalf("stale entry should be recovered: %v", err)
	}
	if !out.Recovered {
		t.Error("expected recovered outcome")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Claim(ctx, "old", "h", nil, now.Add(-time.Minute))
	_ = store.Claim(ctx, "new", "h", nil, now.Add(time.Hour))

	n, err := store.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept entry, got %d (%v)", n, err)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old entry removed, got %v", err)
	}
}
