// Package store defines the Record Store abstraction every other CloudFlow
// component depends on: a strongly-consistent keyed store offering atomic
// conditional writes, atomic numeric increment with an optional guard, and
// per-item TTL. Concrete backends live in the pgstore, redisstore, and
// memstore subpackages; every component in this repository is constructed
// against the Store interface, never against a concrete backend.
package store

import (
	"context"
	"time"
)

// Consistency selects the read guarantee for Get.
type Consistency int

const (
	// Eventual reads may lag the most recent acknowledged write.
	Eventual Consistency = iota
	// Strong reads are guaranteed to reflect every prior acknowledged write
	// to the same key, across all clients.
	Strong
)

// Item is a single record: a key, a JSON-friendly attribute bag, a
// monotonically increasing version, and an optional expiry.
type Item struct {
	Key       string
	Attrs     map[string]any
	Version   int64
	ExpiresAt time.Time // zero value means no TTL
}

// Store is the Record Store contract from spec §4.1. Every method is
// synchronous and returns a typed error on failure; UNAVAILABLE surfaces
// transient infrastructure failures, all other failures are the typed
// errors declared below.
type Store interface {
	// PutIfAbsent writes attrs under key only if no record exists there.
	// Returns ErrConflict if a record already exists. ttl of zero means no
	// expiry.
	PutIfAbsent(ctx context.Context, key string, attrs map[string]any, ttl time.Duration) (*Item, error)

	// CompareAndSet writes attrs under key only if the existing record's
	// version equals expectedVersion. On success the stored version is
	// incremented. Returns a *VersionMismatchError otherwise, and
	// ErrNotFound if no record exists (CAS never creates a record;
	// PutIfAbsent does).
	CompareAndSet(ctx context.Context, key string, expectedVersion int64, attrs map[string]any) (*Item, error)

	// Add atomically adds delta to the numeric attribute named field. If
	// guard is true, the add only applies when the field's resulting value
	// would be >= 0; otherwise it fails with a *GuardFailedError whose
	// Observed value carries the pre-write field value. Returns the
	// resulting field value on success.
	Add(ctx context.Context, key string, field string, delta int64, guard bool) (int64, error)

	// Get reads the record at key. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, key string, consistency Consistency) (*Item, error)

	// Delete removes the record at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
