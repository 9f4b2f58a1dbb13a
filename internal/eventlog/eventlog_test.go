package eventlog

import (
	"context"
	"testing"

	"cloudflow/internal/store"
	"cloudflow/internal/store/memstore"
)

func TestCreateOrderIsIdempotent(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()

	summary1, created1, err := l.CreateOrder(ctx, "order-1", map[string]any{"customer_id": "cust-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Fatalf("expected the first CreateOrder to report created")
	}
	if summary1.Status != "PENDING" || summary1.Version != 0 {
		t.Fatalf("unexpected initial summary: %+v", summary1)
	}

	summary2, created2, err := l.CreateOrder(ctx, "order-1", map[string]any{"customer_id": "cust-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Fatalf("expected the second CreateOrder to report not-created")
	}
	if summary2.Extra["customer_id"] != "cust-1" {
		t.Fatalf("expected the duplicate submission to return the original order's fields, got %+v", summary2.Extra)
	}
}

func TestAppendAdvancesSummaryAndPreservesExtraFields(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()

	if _, _, err := l.CreateOrder(ctx, "order-1", map[string]any{"customer_id": "cust-1", "total_minor_units": int64(500)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev, summary, err := l.Append(ctx, "order-1", StockReserved, map[string]any{"reservation_id": "r1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Seq != 1 || ev.Type != StockReserved {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if summary.Status != "STOCK_RESERVED" || summary.Version != 1 {
		t.Fatalf("unexpected summary after first append: %+v", summary)
	}
	if summary.Extra["customer_id"] != "cust-1" || summary.Extra["total_minor_units"] != int64(500) {
		t.Fatalf("expected extra business fields to survive the append, got %+v", summary.Extra)
	}

	ev2, summary2, err := l.Append(ctx, "order-1", PaymentCharged, map[string]any{"charge_id": "ch1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev2.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", ev2.Seq)
	}
	if summary2.Status != "PAYMENT_CHARGED" || summary2.Version != 2 {
		t.Fatalf("unexpected summary after second append: %+v", summary2)
	}
	if summary2.Extra["customer_id"] != "cust-1" {
		t.Fatalf("expected extra fields to still survive, got %+v", summary2.Extra)
	}
}

func TestHistoryReturnsEventsInOrder(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()

	if _, _, err := l.CreateOrder(ctx, "order-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := l.Append(ctx, "order-1", StockReserved, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := l.Append(ctx, "order-1", PaymentCharged, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := l.Append(ctx, "order-1", OrderConfirmed, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := l.History(ctx, "order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []EventType{StockReserved, PaymentCharged, OrderConfirmed}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
		if ev.Type != want[i] {
			t.Fatalf("expected event %d to be %s, got %s", i, want[i], ev.Type)
		}
	}
}

func TestCurrentRespectsConsistencyArgument(t *testing.T) {
	l := New(memstore.New())
	ctx := context.Background()

	if _, _, err := l.CreateOrder(ctx, "order-1", map[string]any{"customer_id": "cust-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := l.Current(ctx, "order-1", store.Strong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != "PENDING" {
		t.Fatalf("unexpected status: %s", summary.Status)
	}
}
