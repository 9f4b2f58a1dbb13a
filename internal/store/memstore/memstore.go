// Package memstore is the in-process reference implementation of
// store.Store. It backs unit tests for every component built on top of the
// Record Store and is a legitimate (if non-durable) backend on its own, in
// the spirit of the teacher's in-memory payment and driver clients in
// internal/orders/clients.go.
package memstore

import (
	"context"
	"sync"
	"time"

	"cloudflow/internal/store"
)

type record struct {
	attrs     map[string]any
	version   int64
	expiresAt time.Time
}

func (r *record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// Store is a mutex-guarded map implementing store.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]*record
	now  func() time.Time
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		data: make(map[string]*record),
		now:  time.Now,
	}
}

// NewWithClock constructs a Store with an injectable clock, for deterministic
// TTL tests.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

func cloneAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toItem(key string, r *record) *store.Item {
	return &store.Item{
		Key:       key,
		Attrs:     cloneAttrs(r.attrs),
		Version:   r.version,
		ExpiresAt: r.expiresAt,
	}
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, attrs map[string]any, ttl time.Duration) (*store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.data[key]; ok && !existing.expired(now) {
		return nil, store.ErrConflict
	}

	r := &record{attrs: cloneAttrs(attrs), version: 1}
	if ttl > 0 {
		r.expiresAt = now.Add(ttl)
	}
	s.data[key] = r
	return toItem(key, r), nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, attrs map[string]any) (*store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.data[key]
	if !ok || existing.expired(now) {
		return nil, store.ErrNotFound
	}
	if existing.version != expectedVersion {
		return nil, &store.VersionMismatchError{Key: key, Expected: expectedVersion, Actual: existing.version}
	}

	r := &record{attrs: cloneAttrs(attrs), version: existing.version + 1, expiresAt: existing.expiresAt}
	s.data[key] = r
	return toItem(key, r), nil
}

func (s *Store) Add(ctx context.Context, key string, field string, delta int64, guard bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.data[key]
	if !ok || existing.expired(now) {
		return 0, store.ErrNotFound
	}

	var current int64
	if v, ok := existing.attrs[field]; ok {
		current = toInt64(v)
	}

	next := current + delta
	if guard && next < 0 {
		return 0, &store.GuardFailedError{Key: key, Field: field, Observed: current, Delta: delta}
	}

	existing.attrs[field] = next
	existing.version++
	return next, nil
}

func (s *Store) Get(ctx context.Context, key string, _ store.Consistency) (*store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok || existing.expired(s.now()) {
		return nil, store.ErrNotFound
	}
	return toItem(key, existing), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
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
