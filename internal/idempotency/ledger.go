// Package idempotency implements the Idempotency Ledger from spec §4.2: a
// wrapper over the Record Store that converts at-least-once invocation of a
// thunk into effectively-exactly-once effects, keyed by a caller-chosen
// string. The control-flow shape, a keyed thunk run through an explicit
// wrapper function rather than a decorator attached to a handler, follows
// this repository's design note on replacing dynamic decoration with
// explicit middleware (spec §9).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cloudflow/internal/clouderrors"
	"cloudflow/internal/store"
)

const (
	// DefaultTTL is the record lifetime after which a DONE or FAILED
	// outcome is forgotten and a later caller may re-attempt the operation.
	DefaultTTL = 24 * time.Hour

	// DefaultInProgressTimeout is how long an IN_PROGRESS record is honored
	// before a later caller is allowed to assume the original owner crashed
	// and reclaim it. Spec §9 leaves this value unspecified beyond "a
	// conservative default (≈2× the maximum step timeout)"; the
	// orchestrator's longest step timeout is charge's 5s, so the default
	// here is 10s.
	DefaultInProgressTimeout = 10 * time.Second
)

type recordState string

const (
	stateInProgress recordState = "IN_PROGRESS"
	stateDone       recordState = "DONE"
	stateFailed     recordState = "FAILED"
)

// Classifier tells the ledger whether an error returned by a thunk is
// retryable (the record is deleted so a later caller may re-attempt) or
// non-retryable (the record is persisted as FAILED so every replay returns
// the same failure). The default is clouderrors.Retryable.
type Classifier func(error) bool

// Ledger runs thunks under the at-most-once guarantee of spec §4.2.
type Ledger struct {
	store      store.Store
	ttl        time.Duration
	inProgress time.Duration
	classify   Classifier
	now        func() time.Time
	newOwner   func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithInProgressTimeout overrides DefaultInProgressTimeout.
func WithInProgressTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.inProgress = d }
}

// WithClassifier overrides the default retryable/non-retryable error
// classification.
func WithClassifier(c Classifier) Option {
	return func(l *Ledger) { l.classify = c }
}

// New constructs a Ledger over the given Record Store.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		ttl:        DefaultTTL,
		inProgress: DefaultInProgressTimeout,
		classify:   clouderrors.Retryable,
		now:        time.Now,
		newOwner:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type envelope struct {
	State     recordState `json:"state"`
	Owner     string      `json:"owner"`
	CreatedAt time.Time   `json:"created_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrMsg    string      `json:"err_msg,omitempty"`
}

func envelopeFromAttrs(attrs map[string]any) (envelope, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (e envelope) toAttrs() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Run executes key's thunk under the ledger's at-most-once guarantee and
// returns its result; on a replay of a DONE record it returns the stored
// result decoded into T. F must return a JSON-marshalable result.
func Run[T any](ctx context.Context, l *Ledger, key string, f func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	owner := l.newOwner()

	for {
		item, err := l.store.PutIfAbsent(ctx, key, mustEnvelopeAttrs(envelope{
			State:     stateInProgress,
			Owner:     owner,
			CreatedAt: l.now(),
		}), l.ttl)
		if err == nil {
			return executeAndRecord(ctx, l, key, item.Version, owner, f)
		}
		if !errors.Is(err, store.ErrConflict) {
			return zero, clouderrors.Wrap(clouderrors.KindUnavailable, "idempotency put_if_absent", err)
		}

		existing, getErr := l.store.Get(ctx, key, store.Strong)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				// Raced with an expiry/delete between PutIfAbsent and Get;
				// retry the whole protocol.
				continue
			}
			return zero, clouderrors.Wrap(clouderrors.KindUnavailable, "idempotency get", getErr)
		}

		env, envErr := envelopeFromAttrs(existing.Attrs)
		if envErr != nil {
			return zero, clouderrors.Wrap(clouderrors.KindInternal, "idempotency record decode", envErr)
		}

		switch env.State {
		case stateDone:
			var result T
			if len(env.Result) > 0 {
				if err := json.Unmarshal(env.Result, &result); err != nil {
					return zero, clouderrors.Wrap(clouderrors.KindInternal, "idempotency result decode", err)
				}
			}
			return result, nil
		case stateFailed:
			return zero, errors.New(env.ErrMsg)
		case stateInProgress:
			if l.now().Sub(env.CreatedAt) < l.inProgress {
				return zero, &clouderrors.InProgressConflictError{Key: key}
			}
			reclaimed, reclaimErr := l.store.CompareAndSet(ctx, key, existing.Version, mustEnvelopeAttrs(envelope{
				State:     stateInProgress,
				Owner:     owner,
				CreatedAt: l.now(),
			}))
			if reclaimErr != nil {
				if errors.Is(reclaimErr, store.ErrNotFound) || isVersionMismatch(reclaimErr) {
					continue // lost the race to reclaim; re-enter the protocol
				}
				return zero, clouderrors.Wrap(clouderrors.KindUnavailable, "idempotency reclaim", reclaimErr)
			}
			return executeAndRecord(ctx, l, key, reclaimed.Version, owner, f)
		default:
			return zero, clouderrors.New(clouderrors.KindInternal, fmt.Sprintf("idempotency: unknown state %q", env.State))
		}
	}
}

func executeAndRecord[T any](ctx context.Context, l *Ledger, key string, version int64, owner string, f func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := f(ctx)
	if err == nil {
		payload, merr := json.Marshal(result)
		if merr != nil {
			return zero, clouderrors.Wrap(clouderrors.KindInternal, "idempotency result encode", merr)
		}
		attrs, aerr := envelope{State: stateDone, Owner: owner, CreatedAt: l.now(), Result: payload}.toAttrs()
		if aerr != nil {
			return zero, clouderrors.Wrap(clouderrors.KindInternal, "idempotency envelope encode", aerr)
		}
		if _, casErr := l.store.CompareAndSet(ctx, key, version, attrs); casErr != nil {
			// Another owner's reclaim beat us to the write; the work still
			// happened exactly once from this owner's perspective, so the
			// result is still correct to return even though the ledger
			// record reflects the other owner's completion.
			return result, nil
		}
		return result, nil
	}

	if l.classify(err) {
		_ = l.store.Delete(ctx, key)
		return zero, err
	}

	attrs, aerr := envelope{State: stateFailed, Owner: owner, CreatedAt: l.now(), ErrMsg: err.Error()}.toAttrs()
	if aerr == nil {
		_, _ = l.store.CompareAndSet(ctx, key, version, attrs)
	}
	return zero, err
}

func mustEnvelopeAttrs(e envelope) map[string]any {
	attrs, err := e.toAttrs()
	if err != nil {
		// envelope is always JSON-marshalable; this would only fail on an
		// unmarshalable Result, which callers never set directly.
		panic(fmt.Sprintf("idempotency: envelope encode: %v", err))
	}
	return attrs
}

func isVersionMismatch(err error) bool {
	var vm *store.VersionMismatchError
	return errors.As(err, &vm)
}
