package breaker

import (
	"context"
	"testing"
	"time"

	"cloudflow/internal/store"
	"cloudflow/internal/store/memstore"
)

const dep = "payment_provider"

func TestAllowStartsClosed(t *testing.T) {
	r := New(memstore.New())
	decision, err := r.Allow(context.Background(), dep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Permit {
		t.Fatalf("expected a brand new breaker to permit calls")
	}
}

func TestOpensAfterFailThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(memstore.New(), WithConfig(dep, Config{FailThreshold: 3, Cooldown: time.Minute}))
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Record(ctx, dep, Failure); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	decision, err := r.Allow(ctx, dep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Permit {
		t.Fatalf("expected the breaker to deny calls once the fail threshold is reached")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter, got %s", decision.RetryAfter)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	r := New(memstore.New(), WithConfig(dep, Config{FailThreshold: 2}))
	ctx := context.Background()

	if err := r.Record(ctx, dep, Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(ctx, dep, Success); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(ctx, dep, Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := r.Allow(ctx, dep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Permit {
		t.Fatalf("expected the breaker to stay closed: the success should have reset the streak")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(memstore.New(), WithConfig(dep, Config{FailThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second}))
	r.now = func() time.Time { return now }
	ctx := context.Background()

	if err := r.Record(ctx, dep, Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Second) // cooldown elapsed
	decision, err := r.Allow(ctx, dep)
	if err != nil || !decision.Permit {
		t.Fatalf("expected the probe to be permitted, decision=%+v err=%v", decision, err)
	}

	if err := r.Record(ctx, dep, Success); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Still half-open after one success (threshold is 2); a second probe
	// should be permitted immediately since there's no live probe.
	decision, err = r.Allow(ctx, dep)
	if err != nil || !decision.Permit {
		t.Fatalf("expected the second probe to be permitted, decision=%+v err=%v", decision, err)
	}
	if err := r.Record(ctx, dep, Success); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err = r.Allow(ctx, dep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Permit {
		t.Fatalf("expected the breaker to be closed after reaching the success threshold")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	r := New(memstore.New(), WithConfig(dep, Config{FailThreshold: 1, Cooldown: time.Second}))
	r.now = func() time.Time { return now }
	ctx := context.Background()

	if err := r.Record(ctx, dep, Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := r.Allow(ctx, dep); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(ctx, dep, Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := r.Allow(ctx, dep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Permit {
		t.Fatalf("expected a failed probe to reopen the breaker")
	}
}

func TestAllowFailsOpenWhenStoreUnavailable(t *testing.T) {
	r := New(unavailableStore{})
	decision, err := r.Allow(context.Background(), dep)
	if err != nil {
		t.Fatalf("expected Allow to fail open rather than return an error, got %v", err)
	}
	if !decision.Permit {
		t.Fatalf("expected Allow to permit calls when the record store is unavailable")
	}
}

// unavailableStore simulates a Record Store backend that cannot be reached,
// exercising Allow/Record's fail-open posture from spec §4.3.
type unavailableStore struct{}

func (unavailableStore) PutIfAbsent(context.Context, string, map[string]any, time.Duration) (*store.Item, error) {
	return nil, store.ErrUnavailable
}

func (unavailableStore) CompareAndSet(context.Context, string, int64, map[string]any) (*store.Item, error) {
	return nil, store.ErrUnavailable
}

func (unavailableStore) Add(context.Context, string, string, int64, bool) (int64, error) {
	return 0, store.ErrUnavailable
}

func (unavailableStore) Get(context.Context, string, store.Consistency) (*store.Item, error) {
	return nil, store.ErrUnavailable
}

func (unavailableStore) Delete(context.Context, string) error {
	return store.ErrUnavailable
}
