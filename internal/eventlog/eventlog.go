// Package eventlog implements the Event Log from spec §4.5: an
// append-only per-order timeline keyed by (order_id, seq), with a
// denormalized summary record updated in lockstep. Durability here follows
// the teacher's internal/grid/wal.go + grid.go pattern (append first,
// then project into a queryable summary), generalized from a local
// file-backed WAL and in-memory map to the shared Record Store, since
// spec §4.5 requires every worker to observe the same history.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudflow/internal/clouderrors"
	"cloudflow/internal/store"
)

// EventType enumerates the order lifecycle transitions recorded in the log.
type EventType string

const (
	OrderCreated     EventType = "ORDER_CREATED"
	StockReserved    EventType = "STOCK_RESERVED"
	ReserveFailed    EventType = "RESERVE_FAILED"
	PaymentCharged   EventType = "PAYMENT_CHARGED"
	PaymentFailed    EventType = "PAYMENT_FAILED"
	StockReleased    EventType = "STOCK_RELEASED"
	OrderConfirmed   EventType = "ORDER_CONFIRMED"
	OrderCompensated EventType = "ORDER_COMPENSATED"
	OrderFailed      EventType = "ORDER_FAILED"
)

// TerminalStatus maps an event type to the order summary status reachable
// by replaying the log up to and including that event, per the invariant
// in spec §8.4. Non-terminal event types (the forward-progress events) map
// to their corresponding in-flight status.
func (t EventType) TerminalStatus() string {
	switch t {
	case OrderCreated:
		return "PENDING"
	case StockReserved:
		return "STOCK_RESERVED"
	case ReserveFailed:
		return "FAILED"
	case PaymentCharged:
		return "PAYMENT_CHARGED"
	case PaymentFailed:
		return "COMPENSATING"
	case StockReleased:
		return "COMPENSATING"
	case OrderConfirmed:
		return "CONFIRMED"
	case OrderCompensated:
		return "COMPENSATED"
	case OrderFailed:
		return "FAILED"
	default:
		return "FAILED"
	}
}

// reservedFields are the summary attributes eventlog itself manages; every
// other attribute in the record is caller-owned "extra" data (the
// orchestrator's customer_id, total_minor_units, correlation_id, ...) that
// rides along unmodified on every Append.
var reservedFields = map[string]bool{"status": true, "version": true}

// Event is one OrderEvent row.
type Event struct {
	OrderID    string
	Seq        int64
	Type       EventType
	OccurredAt time.Time
	Payload    map[string]any
}

// Summary is the denormalized current-state cache for an order: the
// eventlog-managed status/version plus whatever extra business fields the
// owner (the SAGA orchestrator) stored at creation time.
type Summary struct {
	OrderID string
	Status  string
	Version int64 // equals the seq of the last successfully applied event
	Extra   map[string]any
}

// Log is the Event Log component.
type Log struct {
	store store.Store
	now   func() time.Time
}

// New constructs a Log over the given Record Store.
func New(s store.Store) *Log {
	return &Log{store: s, now: time.Now}
}

func eventKey(orderID string, seq int64) string {
	return fmt.Sprintf("order_event:%s:%d", orderID, seq)
}

func summaryKey(orderID string) string {
	return "order_summary:" + orderID
}

// CreateOrder creates the order's summary record at version 0 with the
// given extra business fields, idempotent on order_id (two concurrent
// submissions with the same order_id land on the same summary record, per
// spec §8's boundary behaviors). created is false when the order already
// existed.
func (l *Log) CreateOrder(ctx context.Context, orderID string, extra map[string]any) (summary *Summary, created bool, err error) {
	attrs := cloneAttrs(extra)
	attrs["status"] = "PENDING"
	attrs["version"] = int64(0)

	_, err = l.store.PutIfAbsent(ctx, summaryKey(orderID), attrs, 0)
	if err == nil {
		return &Summary{OrderID: orderID, Status: "PENDING", Version: 0, Extra: cloneAttrs(extra)}, true, nil
	}
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := l.Current(ctx, orderID, store.Strong)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	return nil, false, clouderrors.Wrap(clouderrors.KindUnavailable, "eventlog create order", err)
}

// Append records a new event for orderID and advances the summary in
// lockstep, per the two-write protocol in spec §4.5. Append re-reads and
// retries the summary update on a lost race, since another writer may have
// won a concurrent transition.
func (l *Log) Append(ctx context.Context, orderID string, eventType EventType, payload map[string]any) (*Event, *Summary, error) {
	for {
		item, err := l.store.Get(ctx, summaryKey(orderID), store.Strong)
		if err != nil {
			return nil, nil, clouderrors.Wrap(clouderrors.KindUnavailable, "eventlog summary get", err)
		}
		currentVersion := toInt64(item.Attrs["version"])
		nextSeq := currentVersion + 1
		occurredAt := l.now()

		_, err = l.store.PutIfAbsent(ctx, eventKey(orderID, nextSeq), map[string]any{
			"order_id":    orderID,
			"seq":         nextSeq,
			"type":        string(eventType),
			"occurred_at": occurredAt,
			"payload":     payload,
		}, 0)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, nil, clouderrors.Wrap(clouderrors.KindUnavailable, "eventlog append", err)
		}
		// A CONFLICT here means another writer already appended this seq;
		// our own append is informational (spec §4.5); fall through to the
		// summary update regardless.

		newAttrs := cloneAttrs(item.Attrs)
		newAttrs["status"] = eventType.TerminalStatus()
		newAttrs["version"] = nextSeq

		if _, casErr := l.store.CompareAndSet(ctx, summaryKey(orderID), item.Version, newAttrs); casErr == nil {
			return &Event{OrderID: orderID, Seq: nextSeq, Type: eventType, OccurredAt: occurredAt, Payload: payload},
				summaryFromAttrs(orderID, newAttrs), nil
		} else if isVersionMismatch(casErr) {
			// Someone else's transition won; our append is informational.
			// Loop: re-read the summary and append at the next seq.
			continue
		} else {
			return nil, nil, clouderrors.Wrap(clouderrors.KindUnavailable, "eventlog summary cas", casErr)
		}
	}
}

// Current returns the order summary. consistency selects strong (default
// recommendation) or eventual reads per spec §4.5.
func (l *Log) Current(ctx context.Context, orderID string, consistency store.Consistency) (*Summary, error) {
	item, err := l.store.Get(ctx, summaryKey(orderID), consistency)
	if err != nil {
		return nil, err
	}
	return summaryFromAttrs(orderID, item.Attrs), nil
}

// History returns the order's complete event sequence in seq order (a
// strong read per event, per spec §4.5).
func (l *Log) History(ctx context.Context, orderID string) ([]Event, error) {
	summary, err := l.Current(ctx, orderID, store.Strong)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, summary.Version)
	for seq := int64(1); seq <= summary.Version; seq++ {
		item, err := l.store.Get(ctx, eventKey(orderID, seq), store.Strong)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, clouderrors.New(clouderrors.KindInternal, fmt.Sprintf("eventlog: gap at seq %d for order %s", seq, orderID))
			}
			return nil, err
		}
		payload, _ := item.Attrs["payload"].(map[string]any)
		events = append(events, Event{
			OrderID:    orderID,
			Seq:        seq,
			Type:       EventType(toString(item.Attrs["type"])),
			OccurredAt: toTime(item.Attrs["occurred_at"]),
			Payload:    payload,
		})
	}
	return events, nil
}

func summaryFromAttrs(orderID string, attrs map[string]any) *Summary {
	extra := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if !reservedFields[k] {
			extra[k] = v
		}
	}
	return &Summary{
		OrderID: orderID,
		Status:  toString(attrs["status"]),
		Version: toInt64(attrs["version"]),
		Extra:   extra,
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
