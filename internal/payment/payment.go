// Package payment declares the payment provider adapter boundary from spec
// §6: an opaque charge(request) -> {captured, declined, timeout} endpoint.
// The provider itself is an out-of-scope external collaborator; this
// package is the in-scope client-side interface the SAGA orchestrator calls
// through the circuit breaker, plus an in-memory stub for tests grounded in
// the teacher's internal/orders/clients.go InMemoryPaymentClient.
package payment

import (
	"context"
	"errors"
	"sync"
)

// ChargeRequest is the outbound charge call.
type ChargeRequest struct {
	IdempotencyKey    string
	AmountMinorUnits  int64
	Currency          string
	Metadata          map[string]string
}

// ChargeResult is returned on a captured charge.
type ChargeResult struct {
	ProviderChargeID string
}

// ErrDeclined wraps the provider's decline reason. Non-retryable.
type ErrDeclined struct {
	ReasonCode string
}

func (e *ErrDeclined) Error() string { return "payment declined: " + e.ReasonCode }

// ErrTransient indicates a retryable provider-side failure (timeout,
// network error, 5xx). Retryable.
var ErrTransient = errors.New("payment provider: transient error")

// Provider is the adapter interface the orchestrator's charge step calls
// through the circuit breaker.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, providerChargeID string, amountMinorUnits int64) error
}

// InMemoryProvider is a configurable in-process stub provider, used by
// tests to script Captured/Declined/TransientError sequences exactly as
// the scenarios in spec §8 require.
type InMemoryProvider struct {
	mu       sync.Mutex
	charges  map[string]ChargeResult
	refunded map[string]bool
	script   []func(ChargeRequest) (ChargeResult, error)
	calls    int
	// Behavior is consulted when script is exhausted; default always
	// captures.
	Behavior func(ChargeRequest) (ChargeResult, error)
}

// NewInMemoryProvider constructs a provider that captures every charge by
// default.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		charges:  make(map[string]ChargeResult),
		refunded: make(map[string]bool),
	}
}

// ScriptOutcomes queues a fixed sequence of outcomes to return, one per
// call to Charge, before falling back to Behavior (or the capture default).
func (p *InMemoryProvider) ScriptOutcomes(fns ...func(ChargeRequest) (ChargeResult, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, fns...)
}

func (p *InMemoryProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}

	var result ChargeResult
	var err error
	if p.calls < len(p.script) {
		result, err = p.script[p.calls](req)
	} else if p.Behavior != nil {
		result, err = p.Behavior(req)
	} else {
		result = ChargeResult{ProviderChargeID: "charge_" + req.IdempotencyKey}
	}
	p.calls++

	if err != nil {
		return ChargeResult{}, err
	}
	p.charges[req.IdempotencyKey] = result
	return result, nil
}

func (p *InMemoryProvider) Refund(ctx context.Context, providerChargeID string, amountMinorUnits int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded[providerChargeID] = true
	return nil
}

// WasRefunded reports whether providerChargeID was refunded, for tests.
func (p *InMemoryProvider) WasRefunded(providerChargeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunded[providerChargeID]
}
