package saga

import (
	"context"
	"testing"
	"time"

	"cloudflow/internal/breaker"
	"cloudflow/internal/clouderrors"
	"cloudflow/internal/eventlog"
	"cloudflow/internal/idempotency"
	"cloudflow/internal/inventory"
	"cloudflow/internal/notify"
	"cloudflow/internal/observability"
	"cloudflow/internal/payment"
	"cloudflow/internal/store/memstore"
)

type harness struct {
	orch     *Orchestrator
	events   *eventlog.Log
	inv      *inventory.Engine
	provider *payment.InMemoryProvider
	notifier *notify.InMemoryProducer
}

func newHarness() *harness {
	s := memstore.New()
	ledger := idempotency.New(s)
	events := eventlog.New(s)
	invEngine := inventory.New(s, ledger)
	provider := payment.NewInMemoryProvider()
	breakers := breaker.New(s)
	notifier := notify.NewInMemoryProducer()

	orch := New(events, invEngine, provider, breakers, ledger, notifier,
		WithLogger(func(string, ...any) {}))

	return &harness{orch: orch, events: events, inv: invEngine, provider: provider, notifier: notifier}
}

func submitAndRun(t *testing.T, h *harness, req SubmitOrderRequest) *Accepted {
	t.Helper()
	accepted, runner, rejected := h.orch.SubmitOrder(context.Background(), req)
	if rejected != nil {
		t.Fatalf("unexpected rejection: %v", rejected)
	}
	runner(context.Background())
	return accepted
}

func waitForStatus(t *testing.T, h *harness, orderID, want string) *GetOrderResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := h.orch.GetOrder(context.Background(), orderID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status == want {
			return result
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status %s, last seen %s", want, result.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

func baseRequest() SubmitOrderRequest {
	return SubmitOrderRequest{
		CustomerID: "cust-1",
		Items: []Item{
			{ProductID: "sku-1", Quantity: 2, UnitPriceMinorUnits: 500},
		},
	}
}

// S1: happy path end to end.
func TestHappyPathConfirms(t *testing.T) {
	h := newHarness()
	if err := h.inv.SeedProduct(context.Background(), "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	accepted := submitAndRun(t, h, baseRequest())
	result := waitForStatus(t, h, accepted.OrderID, "CONFIRMED")

	if result.TotalMinorUnits != 1000 {
		t.Fatalf("expected total 1000, got %d", result.TotalMinorUnits)
	}
	if len(h.notifier.Messages()) != 1 || h.notifier.Messages()[0].Type != notify.OrderConfirmed {
		t.Fatalf("expected one ORDER_CONFIRMED notification, got %+v", h.notifier.Messages())
	}

	available, err := h.inv.Available(context.Background(), "sku-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if available != 8 {
		t.Fatalf("expected stock consumed (not restored), got %d", available)
	}
}

// S2: payment declined compensates the reservation.
func TestPaymentDeclinedCompensates(t *testing.T) {
	h := newHarness()
	if err := h.inv.SeedProduct(context.Background(), "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.provider.ScriptOutcomes(func(payment.ChargeRequest) (payment.ChargeResult, error) {
		return payment.ChargeResult{}, &payment.ErrDeclined{ReasonCode: "DO_NOT_HONOR"}
	})

	accepted := submitAndRun(t, h, baseRequest())
	result := waitForStatus(t, h, accepted.OrderID, "COMPENSATED")

	_ = result
	available, err := h.inv.Available(context.Background(), "sku-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if available != 10 {
		t.Fatalf("expected stock fully restored after compensation, got %d", available)
	}
	if len(h.notifier.Messages()) != 1 || h.notifier.Messages()[0].Type != notify.OrderCompensated {
		t.Fatalf("expected one ORDER_COMPENSATED notification, got %+v", h.notifier.Messages())
	}
}

// S3: an already-open circuit breaker short-circuits the charge step
// without ever calling the payment provider, and still compensates.
func TestOpenCircuitSkipsChargeAndCompensates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.inv.SeedProduct(ctx, "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	breakers := breaker.New(memstore.New(), breaker.WithConfig(PaymentProviderDependency, breaker.Config{FailThreshold: 1, Cooldown: time.Hour}))
	if err := breakers.Record(ctx, PaymentProviderDependency, breaker.Failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := memstore.New()
	ledger := idempotency.New(s)
	events := eventlog.New(s)
	invEngine := inventory.New(s, ledger)
	if err := invEngine.SeedProduct(ctx, "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provider := payment.NewInMemoryProvider()
	var calls int
	provider.Behavior = func(payment.ChargeRequest) (payment.ChargeResult, error) {
		calls++
		return payment.ChargeResult{ProviderChargeID: "never"}, nil
	}
	notifier := notify.NewInMemoryProducer()
	orch := New(events, invEngine, provider, breakers, ledger, notifier, WithLogger(func(string, ...any) {}))

	h2 := &harness{orch: orch, events: events, inv: invEngine, provider: provider, notifier: notifier}
	accepted := submitAndRun(t, h2, baseRequest())
	waitForStatus(t, h2, accepted.OrderID, "COMPENSATED")

	if calls != 0 {
		t.Fatalf("expected the payment provider to never be called while the breaker is open, got %d calls", calls)
	}
}

// S4: concurrent reservations against limited stock allow only as many to
// succeed as there is stock for; the rest fail to reserve.
func TestConcurrentReservesCannotOversell(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.inv.SeedProduct(ctx, "sku-1", 3, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := h.inv.Reserve(ctx, "concurrent-reserve-"+string(rune('a'+i)), "order-x", "sku-1", 1)
			results <- err
		}(i)
	}

	var succeeded, failed int
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 successful reservations against stock of 3, got %d", succeeded)
	}
	if failed != 2 {
		t.Fatalf("expected exactly 2 failed reservations, got %d", failed)
	}

	available, err := h.inv.Available(ctx, "sku-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if available != 0 {
		t.Fatalf("expected stock to be fully consumed with no oversell, got %d", available)
	}
}

// S5: two concurrent submissions with the same order_id only start one
// SAGA execution, and both callers observe the same order_id.
func TestDuplicateSubmitStartsOneSaga(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.inv.SeedProduct(ctx, "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := baseRequest()
	req.OrderID = "order-fixed"

	accepted1, runner1, rejected1 := h.orch.SubmitOrder(ctx, req)
	accepted2, runner2, rejected2 := h.orch.SubmitOrder(ctx, req)
	if rejected1 != nil || rejected2 != nil {
		t.Fatalf("unexpected rejection: %v %v", rejected1, rejected2)
	}
	if accepted1.OrderID != accepted2.OrderID {
		t.Fatalf("expected both callers to observe the same order_id")
	}

	runner1(ctx)
	runner2(ctx)

	waitForStatus(t, h, "order-fixed", "CONFIRMED")
	available, err := h.inv.Available(ctx, "sku-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if available != 8 {
		t.Fatalf("expected stock decremented only once across both submissions, got %d", available)
	}
}

// S6: replaying a completed step (simulating a worker crash and restart
// mid-saga) is idempotent and does not double-charge.
func TestResumeAfterCrashDoesNotDoubleCharge(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.inv.SeedProduct(ctx, "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chargeCalls int
	h.provider.Behavior = func(req payment.ChargeRequest) (payment.ChargeResult, error) {
		chargeCalls++
		return payment.ChargeResult{ProviderChargeID: "charge_" + req.IdempotencyKey}, nil
	}

	accepted := submitAndRun(t, h, baseRequest())
	waitForStatus(t, h, accepted.OrderID, "CONFIRMED")

	// A crashed-and-restarted worker re-running the same order's forward
	// steps (e.g. via a recovery sweep) must not re-charge.
	h.orch.run(ctx, accepted.OrderID, "replayed-correlation", baseRequest().Items)

	if chargeCalls != 1 {
		t.Fatalf("expected the payment provider to be charged exactly once across the crash-and-resume, got %d calls", chargeCalls)
	}
}

// withRetryMetrics must record every backoff wait a retrying step sleeps
// through, without changing the policy's attempt count or outcome.
func TestWithRetryMetricsRecordsBackoffWait(t *testing.T) {
	metrics := observability.NewMetrics()
	h := newHarness()
	orch := New(h.events, h.inv, h.provider, h.orch.breaker, h.orch.ledger, h.notifier,
		WithLogger(func(string, ...any) {}), WithMetrics(metrics))

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		ShouldRetry: func(error) bool { return true },
	}

	attempts := 0
	err := orch.withRetryMetrics(policy).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return clouderrors.New(clouderrors.KindUnavailable, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	snap := metrics.Snapshot()
	if snap.RetryBackoffWaits != 2 {
		t.Fatalf("expected 2 recorded backoff waits (one per retry), got %d", snap.RetryBackoffWaits)
	}
	if snap.RetryBackoffMs <= 0 {
		t.Fatalf("expected a non-zero total backoff wait, got %d", snap.RetryBackoffMs)
	}
}

// Without WithMetrics, withRetryMetrics must hand back the policy
// unmodified rather than panic on a nil *observability.Metrics.
func TestWithRetryMetricsNilMetricsIsNoop(t *testing.T) {
	h := newHarness()
	policy := RetryPolicy{MaxAttempts: 1}
	got := h.orch.withRetryMetrics(policy)
	if got.Sleep != nil {
		t.Fatalf("expected the policy's Sleep hook to be left untouched when no metrics are wired")
	}
}
