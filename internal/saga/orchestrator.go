// Package saga implements the SAGA Orchestrator from spec §4.6: the
// top-level coordinator that drives each order's forward-and-compensation
// state machine over the Inventory Engine, payment Provider, Circuit
// Breaker Registry, and Event Log. The step-retry shape is the teacher's
// internal/orders/reliability.go RetryPolicy, generalized from a fixed
// payment/driver client pair to a named per-step policy table; the
// forward/compensation sequencing itself has no teacher analogue (the
// teacher's internal/orders/order.go never compensates) and is built
// directly from spec §4.6 and the scenario table in spec §8.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"cloudflow/internal/breaker"
	"cloudflow/internal/clouderrors"
	"cloudflow/internal/eventlog"
	"cloudflow/internal/idempotency"
	"cloudflow/internal/inventory"
	"cloudflow/internal/notify"
	"cloudflow/internal/observability"
	"cloudflow/internal/payment"
	"cloudflow/internal/store"
)

// PaymentProviderDependency names the circuit breaker's payment dependency.
const PaymentProviderDependency = "payment_provider"

var (
	reservePolicy = RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Timeout:     2 * time.Second,
		ShouldRetry: func(err error) bool { return clouderrors.Is(err, clouderrors.KindUnavailable) },
	}
	chargePolicy = RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   250 * time.Millisecond,
		Timeout:     5 * time.Second,
		ShouldRetry: func(err error) bool { return clouderrors.Is(err, clouderrors.KindUnavailable) },
	}
	confirmPolicy = RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		Timeout:     2 * time.Second,
		ShouldRetry: func(err error) bool { return clouderrors.Is(err, clouderrors.KindUnavailable) },
	}
)

// releaseBaseDelay and releaseMaxDelay bound the backoff used by
// Orchestrator.releaseAll's indefinite retry loop.
const (
	releaseBaseDelay = 200 * time.Millisecond
	releaseMaxDelay  = 30 * time.Second
)

// EventObserver is notified after every successful Event Log append, for
// observability consumers (e.g. the realtime hub) that don't participate
// in SAGA correctness and so sit outside the orchestrator's core
// dependency list.
type EventObserver func(event eventlog.Event, summary *eventlog.Summary)

// Orchestrator coordinates the SAGA for every order.
type Orchestrator struct {
	events   *eventlog.Log
	inv      *inventory.Engine
	payments payment.Provider
	breaker  *breaker.Registry
	ledger   *idempotency.Ledger
	notifier notify.Producer
	newID    func() string
	logf     func(format string, args ...any)
	observe  EventObserver
	metrics  *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default log.Printf-based logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(o *Orchestrator) { o.logf = logf }
}

// WithEventObserver registers a callback invoked after every successful
// Event Log append.
func WithEventObserver(observe EventObserver) Option {
	return func(o *Orchestrator) { o.observe = observe }
}

// WithMetrics records per-step call spans (reserve, charge, confirm) on m,
// using the same Metrics.Start/CallSpan.End shape the teacher's gRPC
// middleware uses for whole-RPC timing, applied here to individual SAGA
// steps instead.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an Orchestrator wired to its six collaborators (event log,
// inventory engine, payment provider, breaker registry, idempotency ledger,
// notifier), per the composition in spec §2.
func New(events *eventlog.Log, inv *inventory.Engine, payments payment.Provider, breakers *breaker.Registry, ledger *idempotency.Ledger, notifier notify.Producer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		events:   events,
		inv:      inv,
		payments: payments,
		breaker:  breakers,
		ledger:   ledger,
		notifier: notifier,
		newID:    func() string { return uuid.NewString() },
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitOrder validates req, durably creates the PENDING order record, and
// starts its SAGA. Per spec §7, submission is accepted (202-equivalent)
// once the PENDING record is written; the forward steps run after this
// call returns so callers observe final outcome by polling GetOrder. The
// caller is expected to run the returned runner on the worker pool;
// SubmitOrder itself never blocks on step execution.
func (o *Orchestrator) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*Accepted, func(context.Context), *Rejected) {
	if rej := validate(req); rej != nil {
		return nil, nil, rej
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = o.newID()
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = o.newID()
	}

	var total int64
	itemAttrs := make([]map[string]any, 0, len(req.Items))
	for _, it := range req.Items {
		total += it.Quantity * it.UnitPriceMinorUnits
		itemAttrs = append(itemAttrs, map[string]any{
			"product_id":             it.ProductID,
			"quantity":               it.Quantity,
			"unit_price_minor_units": it.UnitPriceMinorUnits,
		})
	}

	summary, created, err := o.events.CreateOrder(ctx, orderID, map[string]any{
		"customer_id":       req.CustomerID,
		"correlation_id":    correlationID,
		"total_minor_units": total,
		"items":             itemAttrs,
	})
	if err != nil {
		o.logf("saga: create order %s failed: %v", orderID, err)
		return nil, nil, &Rejected{Code: "INTERNAL", Details: err.Error()}
	}

	runner := func(runCtx context.Context) { o.run(runCtx, orderID, correlationID, req.Items) }
	if !created {
		// Per spec §8's boundary behavior: two concurrent submissions with
		// the same order_id yield exactly one SAGA execution. The caller
		// that lost the race still gets Accepted with the first caller's
		// order_id, but should not also start a second run.
		runner = func(context.Context) {}
	}

	return &Accepted{OrderID: orderID, Status: summary.Status}, runner, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, orderID string, eventType eventlog.EventType, payload map[string]any) error {
	ev, summary, err := o.events.Append(ctx, orderID, eventType, payload)
	if err != nil {
		return err
	}
	if o.observe != nil {
		o.observe(*ev, summary)
	}
	return nil
}

func validate(req SubmitOrderRequest) *Rejected {
	if req.CustomerID == "" {
		return &Rejected{Code: "VALIDATION", Details: "customer_id is required"}
	}
	if len(req.Items) == 0 {
		return &Rejected{Code: "VALIDATION", Details: "items must contain at least one entry"}
	}
	for i, it := range req.Items {
		if it.ProductID == "" {
			return &Rejected{Code: "VALIDATION", Details: fmt.Sprintf("items[%d].product_id is required", i)}
		}
		if it.Quantity < 1 {
			return &Rejected{Code: "VALIDATION", Details: fmt.Sprintf("items[%d].quantity must be >= 1", i)}
		}
		if it.UnitPriceMinorUnits < 1 {
			return &Rejected{Code: "VALIDATION", Details: fmt.Sprintf("items[%d].unit_price_minor_units must be >= 1", i)}
		}
	}
	return nil
}

// run drives the forward-and-compensation state machine for one order. It
// is intended to be scheduled on a workerpool.Pool by the caller.
func (o *Orchestrator) run(ctx context.Context, orderID, correlationID string, items []Item) {
	if err := o.appendEvent(ctx, orderID, eventlog.OrderCreated, map[string]any{"correlation_id": correlationID}); err != nil {
		o.logf("saga[%s]: append ORDER_CREATED failed: %v", orderID, err)
		return
	}

	reservationIDs, reserveErr := o.reserveAll(ctx, orderID, items)
	if reserveErr != nil {
		o.releaseAll(context.WithoutCancel(ctx), orderID, reservationIDs)
		if err := o.appendEvent(ctx, orderID, eventlog.ReserveFailed, map[string]any{"error": reserveErr.Error()}); err != nil {
			o.logf("saga[%s]: append RESERVE_FAILED failed: %v", orderID, err)
		}
		return
	}
	if err := o.appendEvent(ctx, orderID, eventlog.StockReserved, map[string]any{"reservation_ids": reservationIDs}); err != nil {
		o.logf("saga[%s]: append STOCK_RESERVED failed: %v", orderID, err)
		return
	}

	total := totalMinorUnits(items)
	chargeResult, chargeErr := o.charge(ctx, orderID, correlationID, total)
	if chargeErr != nil {
		o.compensate(ctx, orderID, correlationID, reservationIDs, chargeErr)
		return
	}
	if err := o.appendEvent(ctx, orderID, eventlog.PaymentCharged, map[string]any{"provider_charge_id": chargeResult.ProviderChargeID}); err != nil {
		o.logf("saga[%s]: append PAYMENT_CHARGED failed: %v", orderID, err)
		return
	}

	if err := o.confirm(ctx, orderID); err != nil {
		o.compensate(ctx, orderID, correlationID, reservationIDs, err)
		return
	}

	for _, rid := range reservationIDs {
		if err := o.inv.Consume(ctx, rid); err != nil {
			o.logf("saga[%s]: consume reservation %s failed: %v", orderID, rid, err)
		}
	}
	if err := o.appendEvent(ctx, orderID, eventlog.OrderConfirmed, nil); err != nil {
		o.logf("saga[%s]: append ORDER_CONFIRMED failed: %v", orderID, err)
		return
	}
	if err := o.notifier.Publish(ctx, notify.Message{
		Type: notify.OrderConfirmed, OrderID: orderID, CorrelationID: correlationID,
	}); err != nil {
		o.logf("saga[%s]: publish ORDER_CONFIRMED failed: %v", orderID, err)
	}
}

// withRetryMetrics overrides policy's Sleep hook so every backoff wait
// between retry attempts is added to o.metrics' retry-backoff total,
// leaving the policy's own attempt/timeout/jitter behavior untouched.
func (o *Orchestrator) withRetryMetrics(policy RetryPolicy) RetryPolicy {
	if o.metrics == nil {
		return policy
	}
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		o.metrics.AddRetryBackoffWait(d)
		return sleepWithContext(ctx, d)
	}
	return policy
}

func (o *Orchestrator) reserveAll(ctx context.Context, orderID string, items []Item) ([]string, error) {
	reservationIDs := make([]string, 0, len(items))
	for _, it := range items {
		span := o.metrics.Start("saga.reserve")
		stepID := fmt.Sprintf("%s:reserve:%s", orderID, it.ProductID)
		var reservationID string
		err := o.withRetryMetrics(reservePolicy).Do(ctx, func(attemptCtx context.Context) error {
			res, err := o.inv.Reserve(attemptCtx, stepID, orderID, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			reservationID = res.ReservationID
			return nil
		})
		span.End(err)
		if err != nil {
			return reservationIDs, err
		}
		reservationIDs = append(reservationIDs, reservationID)
	}
	return reservationIDs, nil
}

func (o *Orchestrator) charge(ctx context.Context, orderID, correlationID string, amountMinorUnits int64) (result payment.ChargeResult, stepErr error) {
	span := o.metrics.Start("saga.charge")
	defer func() { span.End(stepErr) }()

	decision, err := o.breaker.Allow(ctx, PaymentProviderDependency)
	if err != nil {
		stepErr = clouderrors.Wrap(clouderrors.KindUnavailable, "breaker allow", err)
		return payment.ChargeResult{}, stepErr
	}
	if !decision.Permit {
		stepErr = &clouderrors.CircuitOpenError{Dependency: PaymentProviderDependency, RetryAfter: decision.RetryAfter}
		return payment.ChargeResult{}, stepErr
	}

	stepKey := "saga:" + orderID + ":charge"
	chargeErr := o.withRetryMetrics(chargePolicy).Do(ctx, func(attemptCtx context.Context) error {
		r, err := idempotency.Run(attemptCtx, o.ledger, stepKey, func(ac context.Context) (payment.ChargeResult, error) {
			r, err := o.payments.Charge(ac, payment.ChargeRequest{
				IdempotencyKey:   stepKey,
				AmountMinorUnits: amountMinorUnits,
				Currency:         "USD",
				Metadata:         map[string]string{"order_id": orderID, "correlation_id": correlationID},
			})
			if errors.Is(err, payment.ErrTransient) {
				err = clouderrors.Wrap(clouderrors.KindUnavailable, "payment provider", err)
			}
			return r, err
		})
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	o.recordBreakerOutcome(ctx, chargeErr)
	if chargeErr != nil {
		stepErr = classifyChargeErr(chargeErr)
		return payment.ChargeResult{}, stepErr
	}
	return result, nil
}

func (o *Orchestrator) recordBreakerOutcome(ctx context.Context, chargeErr error) {
	outcome := breaker.Success
	var declined *payment.ErrDeclined
	if chargeErr != nil && !errors.As(chargeErr, &declined) {
		outcome = breaker.Failure
	}
	if err := o.breaker.Record(ctx, PaymentProviderDependency, outcome); err != nil {
		o.logf("saga: breaker record failed: %v", err)
	}
}

func classifyChargeErr(err error) error {
	var declined *payment.ErrDeclined
	if errors.As(err, &declined) {
		return &clouderrors.PaymentDeclinedError{ReasonCode: declined.ReasonCode}
	}
	if errors.Is(err, payment.ErrTransient) {
		return clouderrors.Wrap(clouderrors.KindUnavailable, "payment provider", err)
	}
	return err
}

func (o *Orchestrator) confirm(ctx context.Context, orderID string) error {
	span := o.metrics.Start("saga.confirm")
	stepKey := "saga:" + orderID + ":confirm"
	err := o.withRetryMetrics(confirmPolicy).Do(ctx, func(attemptCtx context.Context) error {
		_, err := idempotency.Run(attemptCtx, o.ledger, stepKey, func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		return err
	})
	span.End(err)
	return err
}

// compensate runs the inverse of every completed forward step, per spec
// §4.6: release is retried indefinitely (capped delay, backed by the
// reservation TTL as a final backstop) since the "no stock held without
// payment" guarantee depends on it succeeding eventually.
func (o *Orchestrator) compensate(ctx context.Context, orderID, correlationID string, reservationIDs []string, cause error) {
	releaseCtx := context.WithoutCancel(ctx)
	if err := o.appendEvent(ctx, orderID, eventlog.PaymentFailed, map[string]any{"error": cause.Error()}); err != nil {
		o.logf("saga[%s]: append compensation-trigger event failed: %v", orderID, err)
	}

	o.releaseAll(releaseCtx, orderID, reservationIDs)

	if err := o.appendEvent(ctx, orderID, eventlog.StockReleased, nil); err != nil {
		o.logf("saga[%s]: append STOCK_RELEASED failed: %v", orderID, err)
		return
	}
	if err := o.appendEvent(ctx, orderID, eventlog.OrderCompensated, nil); err != nil {
		o.logf("saga[%s]: append ORDER_COMPENSATED failed: %v", orderID, err)
		return
	}
	if err := o.notifier.Publish(ctx, notify.Message{
		Type: notify.OrderCompensated, OrderID: orderID, CorrelationID: correlationID,
	}); err != nil {
		o.logf("saga[%s]: publish ORDER_COMPENSATED failed: %v", orderID, err)
	}
}

// releaseAll releases every reservation, retrying each indefinitely with
// capped exponential backoff per spec §4.6: the guarantee "no stock held
// without payment" depends on release eventually succeeding, so there is
// no retry budget here, only the reservation TTL as a last-resort backstop
// if the store stays unavailable past it. Per Open Question (b) in spec
// §9, every retry beyond the first is logged at alert level for operators.
func (o *Orchestrator) releaseAll(ctx context.Context, orderID string, reservationIDs []string) {
	for _, rid := range reservationIDs {
		delay := releaseBaseDelay
		for attempt := 1; ; attempt++ {
			err := o.inv.Release(ctx, rid)
			if err == nil {
				break
			}
			if clouderrors.Is(err, clouderrors.KindReleaseAfterConsume) || clouderrors.Is(err, clouderrors.KindInternal) {
				o.logf("saga[%s]: release %s failed non-retryably: %v", orderID, rid, err)
				break
			}
			o.logf("ALERT saga[%s]: release %s attempt %d failed, retrying: %v", orderID, rid, attempt, err)
			if sleepErr := sleepWithContext(ctx, defaultJitter(delay)); sleepErr != nil {
				o.logf("saga[%s]: release %s abandoned, relying on reservation TTL backstop: %v", orderID, rid, sleepErr)
				break
			}
			delay *= 2
			if delay > releaseMaxDelay {
				delay = releaseMaxDelay
			}
		}
	}
}

func totalMinorUnits(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += it.Quantity * it.UnitPriceMinorUnits
	}
	return total
}

// GetOrder satisfies the query interface from spec §6.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*GetOrderResult, error) {
	summary, err := o.events.Current(ctx, orderID, store.Eventual)
	if err != nil {
		return nil, err
	}
	history, err := o.events.History(ctx, orderID)
	if err != nil {
		return nil, err
	}
	views := make([]OrderEventView, 0, len(history))
	for _, ev := range history {
		views = append(views, OrderEventView{Seq: ev.Seq, Type: string(ev.Type), OccurredAt: ev.OccurredAt})
	}
	return &GetOrderResult{
		OrderID:         orderID,
		Status:          summary.Status,
		CustomerID:      toString(summary.Extra["customer_id"]),
		TotalMinorUnits: toInt64(summary.Extra["total_minor_units"]),
		CorrelationID:   toString(summary.Extra["correlation_id"]),
		Events:          views,
	}, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
