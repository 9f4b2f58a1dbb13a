// Package breaker implements the Circuit Breaker Registry from spec §4.3:
// a three-state guard per dependency whose state and counters live in the
// Record Store so every worker observes one truth, instead of the
// teacher's internal/orders/reliability.go CircuitBreaker, which keeps its
// state in a single process's mutex-guarded struct. The state machine and
// defaults are carried over unchanged; only the storage moves from
// in-process memory to the shared store, and the state transitions move
// from "take a lock" to "win a compare-and-set".
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloudflow/internal/clouderrors"
	"cloudflow/internal/store"
)

// Outcome is recorded after an attempted call.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Decision is the result of Allow.
type Decision struct {
	Permit     bool
	RetryAfter time.Duration
}

type circuitState string

const (
	stateClosed   circuitState = "CLOSED"
	stateOpen     circuitState = "OPEN"
	stateHalfOpen circuitState = "HALF_OPEN"
)

// Config tunes a dependency's breaker. Zero values fall back to the
// defaults named in spec §4.3.
type Config struct {
	FailThreshold        int
	SuccessThreshold     int
	Cooldown             time.Duration
	ProbeInFlightTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.ProbeInFlightTimeout <= 0 {
		c.ProbeInFlightTimeout = 10 * time.Second
	}
	return c
}

// Registry is the Circuit Breaker Registry: Allow/Record per dependency,
// all state shared through the Record Store.
type Registry struct {
	store    store.Store
	configs  map[string]Config
	fallback Config
	now      func() time.Time
	logf     func(format string, args ...any)
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the breaker configuration for a specific dependency name.
func WithConfig(name string, cfg Config) Option {
	return func(r *Registry) { r.configs[name] = cfg.withDefaults() }
}

// WithLogger overrides the degradation logger (used on fail-open).
func WithLogger(logf func(format string, args ...any)) Option {
	return func(r *Registry) { r.logf = logf }
}

// New constructs a Registry over the given Record Store.
func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		configs:  make(map[string]Config),
		fallback: Config{}.withDefaults(),
		now:      time.Now,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.configs[name]; ok {
		return cfg
	}
	return r.fallback
}

func (r *Registry) key(name string) string {
	return "circuit_breaker:" + name
}

type circuitAttrs struct {
	State               circuitState `json:"state"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	ConsecutiveSuccess  int64        `json:"consecutive_successes"`
	OpenedAt            time.Time   `json:"opened_at"`
	ProbeInFlightAt     time.Time   `json:"probe_in_flight_at"`
}

func toAttrs(c circuitAttrs) map[string]any {
	return map[string]any{
		"state":                string(c.State),
		"consecutive_failures": c.ConsecutiveFailures,
		"consecutive_successes": c.ConsecutiveSuccess,
		"opened_at":            c.OpenedAt,
		"probe_in_flight_at":   c.ProbeInFlightAt,
	}
}

func fromAttrs(attrs map[string]any) circuitAttrs {
	c := circuitAttrs{State: stateClosed}
	if v, ok := attrs["state"].(string); ok {
		c.State = circuitState(v)
	}
	c.ConsecutiveFailures = toInt64(attrs["consecutive_failures"])
	c.ConsecutiveSuccess = toInt64(attrs["consecutive_successes"])
	c.OpenedAt = toTime(attrs["opened_at"])
	c.ProbeInFlightAt = toTime(attrs["probe_in_flight_at"])
	return c
}

// Allow consults and, if needed, atomically transitions the breaker state
// for name, per spec §4.3. On UNAVAILABLE from the Record Store, Allow
// fails open (returns Permit=true) and logs the degradation, preferring
// availability over perfection.
func (r *Registry) Allow(ctx context.Context, name string) (Decision, error) {
	cfg := r.configFor(name)
	item, err := r.ensure(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			r.logf("breaker: record store unavailable for %q, failing open: %v", name, err)
			return Decision{Permit: true}, nil
		}
		return Decision{}, err
	}

	now := r.now()
	c := fromAttrs(item.Attrs)

	switch c.State {
	case stateClosed:
		return Decision{Permit: true}, nil

	case stateOpen:
		retryAfter := c.OpenedAt.Add(cfg.Cooldown).Sub(now)
		if retryAfter > 0 {
			return Decision{Permit: false, RetryAfter: retryAfter}, nil
		}
		// Cooldown elapsed: the first caller to win this CAS becomes the
		// probe; everyone else keeps seeing OPEN until they re-check.
		next := circuitAttrs{State: stateHalfOpen, ProbeInFlightAt: now}
		if _, casErr := r.store.CompareAndSet(ctx, r.key(name), item.Version, toAttrs(next)); casErr != nil {
			if isVersionMismatch(casErr) || errors.Is(casErr, store.ErrNotFound) {
				return Decision{Permit: false, RetryAfter: 0}, nil
			}
			return r.failOpenOrErr(casErr, name)
		}
		return Decision{Permit: true}, nil

	case stateHalfOpen:
		if !c.ProbeInFlightAt.IsZero() && now.Sub(c.ProbeInFlightAt) < cfg.ProbeInFlightTimeout {
			return Decision{Permit: false, RetryAfter: cfg.ProbeInFlightTimeout - now.Sub(c.ProbeInFlightAt)}, nil
		}
		// No live probe (first entrant, or the previous probe's timeout
		// expired and is forgotten): claim the probe slot.
		next := c
		next.ProbeInFlightAt = now
		if _, casErr := r.store.CompareAndSet(ctx, r.key(name), item.Version, toAttrs(next)); casErr != nil {
			if isVersionMismatch(casErr) || errors.Is(casErr, store.ErrNotFound) {
				return Decision{Permit: false, RetryAfter: 0}, nil
			}
			return r.failOpenOrErr(casErr, name)
		}
		return Decision{Permit: true}, nil

	default:
		return Decision{}, clouderrors.New(clouderrors.KindInternal, fmt.Sprintf("breaker: unknown state %q", c.State))
	}
}

// Record updates a dependency's counters and, if warranted, its state,
// after an attempted call.
func (r *Registry) Record(ctx context.Context, name string, outcome Outcome) error {
	cfg := r.configFor(name)

	for {
		item, err := r.ensure(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				r.logf("breaker: record store unavailable recording outcome for %q: %v", name, err)
				return nil
			}
			return err
		}

		now := r.now()
		c := fromAttrs(item.Attrs)
		next := c

		switch c.State {
		case stateClosed:
			if outcome == Success {
				next.ConsecutiveFailures = 0
			} else {
				next.ConsecutiveFailures++
				if next.ConsecutiveFailures >= int64(cfg.FailThreshold) {
					next = circuitAttrs{State: stateOpen, OpenedAt: now}
				}
			}
		case stateHalfOpen:
			next.ProbeInFlightAt = time.Time{}
			if outcome == Success {
				next.ConsecutiveSuccess = c.ConsecutiveSuccess + 1
				if next.ConsecutiveSuccess >= int64(cfg.SuccessThreshold) {
					next = circuitAttrs{State: stateClosed}
				}
			} else {
				next = circuitAttrs{State: stateOpen, OpenedAt: now}
			}
		case stateOpen:
			// A stray result from a call issued before the breaker opened;
			// state is unaffected.
			return nil
		}

		if _, casErr := r.store.CompareAndSet(ctx, r.key(name), item.Version, toAttrs(next)); casErr != nil {
			if isVersionMismatch(casErr) || errors.Is(casErr, store.ErrNotFound) {
				continue // lost the race; reread and retry
			}
			if errors.Is(casErr, store.ErrUnavailable) {
				r.logf("breaker: record store unavailable recording outcome for %q: %v", name, casErr)
				return nil
			}
			return casErr
		}
		return nil
	}
}

func (r *Registry) ensure(ctx context.Context, name string) (*store.Item, error) {
	item, err := r.store.Get(ctx, r.key(name), store.Strong)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created, putErr := r.store.PutIfAbsent(ctx, r.key(name), toAttrs(circuitAttrs{State: stateClosed}), 0)
	if putErr == nil {
		return created, nil
	}
	if errors.Is(putErr, store.ErrConflict) {
		return r.store.Get(ctx, r.key(name), store.Strong)
	}
	return nil, putErr
}

func (r *Registry) failOpenOrErr(err error, name string) (Decision, error) {
	if errors.Is(err, store.ErrUnavailable) {
		r.logf("breaker: record store unavailable for %q, failing open: %v", name, err)
		return Decision{Permit: true}, nil
	}
	return Decision{}, err
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
