// Package inventory implements the Inventory Engine from spec §4.4: atomic
// reservation and release of stock, backed by the Record Store's guarded
// Add and the Idempotency Ledger. This is the one business step whose
// correctness depends on database-atomic conditional writes (spec §1(d)),
// grounded in the guard pattern cimillas-ultimate-ticket/services/api/internal/app/hold_service.go
// uses for capacity holds, adapted here onto the Record Store's Add guard
// instead of a SQL transaction.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cloudflow/internal/clouderrors"
	"cloudflow/internal/idempotency"
	"cloudflow/internal/store"
)

// ReservationState is the lifecycle state of a Reservation.
type ReservationState string

const (
	Held     ReservationState = "HELD"
	Released ReservationState = "RELEASED"
	Consumed ReservationState = "CONSUMED"
)

// DefaultReservationTTL is the backstop TTL on a HELD reservation: if
// compensation's release never lands, this is the final backstop spec §4.6
// names for the "no stock held without payment" guarantee.
const DefaultReservationTTL = 48 * time.Hour

// Reservation mirrors the data model's Reservation entity.
type Reservation struct {
	ReservationID string
	OrderID       string
	ProductID     string
	Quantity      int64
	State         ReservationState
	CreatedAt     time.Time
}

// Engine is the Inventory Engine.
type Engine struct {
	store   store.Store
	ledger  *idempotency.Ledger
	newID   func() string
	now     func() time.Time
	ttl     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithReservationTTL overrides DefaultReservationTTL.
func WithReservationTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// New constructs an Engine over the Record Store and the Idempotency
// Ledger used to dedupe reserve() calls across retries.
func New(s store.Store, ledger *idempotency.Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		ledger: ledger,
		newID:  func() string { return uuid.NewString() },
		now:    time.Now,
		ttl:    DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func inventoryKey(productID string) string {
	return "inventory:" + productID
}

func reservationKey(reservationID string) string {
	return "reservation:" + reservationID
}

// SeedProduct creates an InventoryItem with the given starting stock, for
// use by out-of-scope seeding tooling and by tests. It is a no-op (returns
// nil, leaving the existing item unchanged) if the product already exists.
func (e *Engine) SeedProduct(ctx context.Context, productID string, available int64, unitPriceMinorUnits int64) error {
	_, err := e.store.PutIfAbsent(ctx, inventoryKey(productID), map[string]any{
		"available":              available,
		"unit_price_minor_units": unitPriceMinorUnits,
	}, 0)
	if err != nil && errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// Available returns the current stock for productID.
func (e *Engine) Available(ctx context.Context, productID string) (int64, error) {
	item, err := e.store.Get(ctx, inventoryKey(productID), store.Strong)
	if err != nil {
		return 0, err
	}
	return toInt64(item.Attrs["available"]), nil
}

// Reserve atomically decrements available stock for productID by quantity
// and returns a fresh HELD reservation. sagaStepID scopes the idempotency
// key so re-invocation on retry returns the same reservation instead of
// double-reserving.
func (e *Engine) Reserve(ctx context.Context, sagaStepID, orderID, productID string, quantity int64) (*Reservation, error) {
	key := "reserve:" + sagaStepID
	return idempotency.Run(ctx, e.ledger, key, func(ctx context.Context) (*Reservation, error) {
		observed, err := e.store.Add(ctx, inventoryKey(productID), "available", -quantity, true)
		if err != nil {
			var guardErr *store.GuardFailedError
			if errors.As(err, &guardErr) {
				return nil, &clouderrors.InsufficientStockError{
					ProductID:         productID,
					Requested:         quantity,
					AvailableObserved: guardErr.Observed,
				}
			}
			if errors.Is(err, store.ErrNotFound) {
				return nil, &clouderrors.InsufficientStockError{ProductID: productID, Requested: quantity, AvailableObserved: 0}
			}
			return nil, clouderrors.Wrap(clouderrors.KindUnavailable, "inventory reserve", err)
		}
		_ = observed

		reservationID := e.newID()
		_, err = e.store.PutIfAbsent(ctx, reservationKey(reservationID), map[string]any{
			"order_id":   orderID,
			"product_id": productID,
			"quantity":   quantity,
			"state":      string(Held),
			"created_at": e.now(),
		}, e.ttl)
		if err != nil {
			return nil, clouderrors.Wrap(clouderrors.KindUnavailable, "inventory reservation create", err)
		}

		return &Reservation{
			ReservationID: reservationID,
			OrderID:       orderID,
			ProductID:     productID,
			Quantity:      quantity,
			State:         Held,
			CreatedAt:     e.now(),
		}, nil
	})
}

// Get reads a reservation by ID.
func (e *Engine) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	item, err := e.store.Get(ctx, reservationKey(reservationID), store.Strong)
	if err != nil {
		return nil, err
	}
	return reservationFromAttrs(reservationID, item.Attrs), nil
}

// Release returns a HELD reservation's quantity to available stock and
// marks it RELEASED. Releasing an already-RELEASED reservation is a no-op
// success (idempotent); releasing a CONSUMED reservation fails
// non-retryably.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	item, err := e.store.Get(ctx, reservationKey(reservationID), store.Strong)
	if err != nil {
		return clouderrors.Wrap(clouderrors.KindUnavailable, "inventory release get", err)
	}
	res := reservationFromAttrs(reservationID, item.Attrs)

	switch res.State {
	case Released:
		return nil
	case Consumed:
		return clouderrors.New(clouderrors.KindReleaseAfterConsume, fmt.Sprintf("reservation %s already consumed", reservationID))
	case Held:
		if _, err := e.store.Add(ctx, inventoryKey(res.ProductID), "available", res.Quantity, false); err != nil {
			return clouderrors.Wrap(clouderrors.KindUnavailable, "inventory release add", err)
		}
		attrs := cloneAttrs(item.Attrs)
		attrs["state"] = string(Released)
		if _, err := e.store.CompareAndSet(ctx, reservationKey(reservationID), item.Version, attrs); err != nil {
			// Either a concurrent release already landed (fine, idempotent)
			// or the record vanished under TTL (fine, backstop already
			// fired); either way the stock was restored above.
			if isVersionMismatch(err) || errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return clouderrors.Wrap(clouderrors.KindUnavailable, "inventory release cas", err)
		}
		return nil
	default:
		return clouderrors.New(clouderrors.KindInternal, fmt.Sprintf("reservation %s: unknown state %q", reservationID, res.State))
	}
}

// Consume marks a HELD reservation CONSUMED without returning stock, called
// by the orchestrator on SAGA success.
func (e *Engine) Consume(ctx context.Context, reservationID string) error {
	item, err := e.store.Get(ctx, reservationKey(reservationID), store.Strong)
	if err != nil {
		return clouderrors.Wrap(clouderrors.KindUnavailable, "inventory consume get", err)
	}
	res := reservationFromAttrs(reservationID, item.Attrs)
	if res.State == Consumed {
		return nil
	}
	if res.State != Held {
		return clouderrors.New(clouderrors.KindInternal, fmt.Sprintf("reservation %s: cannot consume from state %q", reservationID, res.State))
	}

	attrs := cloneAttrs(item.Attrs)
	attrs["state"] = string(Consumed)
	if _, err := e.store.CompareAndSet(ctx, reservationKey(reservationID), item.Version, attrs); err != nil {
		if isVersionMismatch(err) {
			return nil
		}
		return clouderrors.Wrap(clouderrors.KindUnavailable, "inventory consume cas", err)
	}
	return nil
}

func reservationFromAttrs(id string, attrs map[string]any) *Reservation {
	return &Reservation{
		ReservationID: id,
		OrderID:       toString(attrs["order_id"]),
		ProductID:     toString(attrs["product_id"]),
		Quantity:      toInt64(attrs["quantity"]),
		State:         ReservationState(toString(attrs["state"])),
		CreatedAt:     toTime(attrs["created_at"]),
	}
}

func cloneAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isVersionMismatch(err error) bool {
	var vm *store.VersionMismatchError
	return errors.As(err, &vm)
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

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
