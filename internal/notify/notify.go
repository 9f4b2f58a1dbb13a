// Package notify declares the notification queue producer boundary from
// spec §6: an opaque message enqueued for the out-of-scope notification
// sender. The interface here is in scope (it's what the orchestrator calls
// on a terminal transition); the consumer side is not.
package notify

import (
	"context"
	"sync"
)

// MessageType enumerates the two terminal notifications the orchestrator
// emits.
type MessageType string

const (
	OrderConfirmed   MessageType = "ORDER_CONFIRMED"
	OrderCompensated MessageType = "ORDER_COMPENSATED"
)

// Message is the opaque notification payload from spec §6. Consumers are
// expected to dedupe on (OrderID, Type); producers make no delivery
// guarantee beyond at-least-once.
type Message struct {
	Type          MessageType
	OrderID       string
	CorrelationID string
	CustomerID    string
}

// Producer enqueues notification messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
}

// InMemoryProducer records published messages for tests, grounded in the
// teacher's internal/ingest/local_publisher.go in-process fan-out style.
type InMemoryProducer struct {
	mu       sync.Mutex
	messages []Message
}

// NewInMemoryProducer constructs an empty InMemoryProducer.
func NewInMemoryProducer() *InMemoryProducer {
	return &InMemoryProducer{}
}

func (p *InMemoryProducer) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a snapshot of every message published so far.
func (p *InMemoryProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
