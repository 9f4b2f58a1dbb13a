// Package clouderrors declares the shared error taxonomy used across the
// record store, idempotency ledger, circuit breaker, inventory engine, and
// SAGA orchestrator. Errors are plain wrapped stdlib errors; callers use
// errors.Is/errors.As rather than type switches.
package clouderrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the error kinds named in the design's error taxonomy.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindConflict           Kind = "CONFLICT"
	KindVersionMismatch    Kind = "VERSION_MISMATCH"
	KindGuardFailed        Kind = "GUARD_FAILED"
	KindInsufficientStock  Kind = "INSUFFICIENT_STOCK"
	KindPaymentDeclined    Kind = "PAYMENT_DECLINED"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindInternal           Kind = "INTERNAL"
	KindInProgressConflict Kind = "IN_PROGRESS_CONFLICT"
	KindReleaseAfterConsume Kind = "RELEASE_AFTER_CONSUME"
)

// Error is a typed, kind-tagged error carrying an optional cause.
type Error struct {
	kind    Kind
	msg     string
	cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// New constructs a new Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Wrap constructs a new Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// WithField attaches a structured field and returns the same error for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}

// Is reports whether err is a clouderrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether a caller's default classification treats err as
// retryable: infrastructure errors are retryable, business-rule violations
// are not. Callers may override this per operation.
func Retryable(err error) bool {
	switch k, ok := KindOf(err); {
	case !ok:
		return false
	case k == KindUnavailable || k == KindTimeout:
		return true
	default:
		return false
	}
}

// CircuitOpenError reports the circuit breaker rejected a call, with the
// duration the caller should wait before retrying.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("CIRCUIT_OPEN: %s: retry after %s", e.Dependency, e.RetryAfter)
}

// InsufficientStockError reports a failed inventory reservation.
type InsufficientStockError struct {
	ProductID         string
	Requested         int64
	AvailableObserved int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("INSUFFICIENT_STOCK: product=%s requested=%d available=%d",
		e.ProductID, e.Requested, e.AvailableObserved)
}

// PaymentDeclinedError reports the payment provider declined the charge.
type PaymentDeclinedError struct {
	ReasonCode string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("PAYMENT_DECLINED: %s", e.ReasonCode)
}

// InProgressConflictError reports a live idempotency record blocking a replay.
type InProgressConflictError struct {
	Key string
}

func (e *InProgressConflictError) Error() string {
	return fmt.Sprintf("IN_PROGRESS_CONFLICT: %s", e.Key)
}
