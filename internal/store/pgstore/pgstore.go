// Package pgstore is a transactional-RDBMS Record Store adapter, the "thin
// adapter" option named in spec §4.1 and §9's design notes. It is grounded
// in the teacher's internal/db/orders/postgres_payment.go and saga_store.go:
// plain database/sql against the pgx stdlib driver, INSERT ... ON CONFLICT
// DO NOTHING for conditional create, and RowsAffected to detect whether a
// write actually happened.
//
// Every record is one row: key, a JSONB attribute bag, a version counter,
// and an optional expires_at. CompareAndSet and the guarded Add both fold
// their condition into the UPDATE's WHERE clause so the check-and-write is
// atomic at the database level, without needing a serializable transaction.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cloudflow/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New constructs a Store over an already-open *sql.DB (opened with the
// "pgx" driver, e.g. sql.Open("pgx", dsn)).
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open dials dsn through the pgx stdlib driver and returns a Store whose
// schema has already been provisioned.
func Open(ctx context.Context, dsn string) (*Store, func() error, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s, err := NewWithSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db.Close, nil
}

// NewWithSchema constructs a Store and ensures its schema exists.
func NewWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	s := New(db)
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates the record_store table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS record_store (
			key TEXT PRIMARY KEY,
			attrs JSONB NOT NULL DEFAULT '{}'::jsonb,
			version BIGINT NOT NULL DEFAULT 1,
			expires_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, attrs map[string]any, ttl time.Duration) (*store.Item, error) {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := s.now().Add(ttl)
		expiresAt = &t
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO record_store (key, attrs, version, expires_at)
		VALUES ($1, $2::jsonb, 1, $3)
		ON CONFLICT (key) DO UPDATE
			SET attrs = EXCLUDED.attrs, version = 1, expires_at = EXCLUDED.expires_at
			WHERE record_store.expires_at IS NOT NULL AND record_store.expires_at <= $4
	`, key, payload, expiresAt, s.now())
	if err != nil {
		return nil, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err)
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}

	return &store.Item{Key: key, Attrs: cloneAttrs(attrs), Version: 1, ExpiresAt: derefTime(expiresAt)}, nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, attrs map[string]any) (*store.Item, error) {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE record_store
		SET attrs = $3::jsonb, version = version + 1
		WHERE key = $1 AND version = $2 AND (expires_at IS NULL OR expires_at > $4)
		RETURNING version, expires_at
	`, key, expectedVersion, payload, s.now())

	var newVersion int64
	var expiresAt sql.NullTime
	switch err := row.Scan(&newVersion, &expiresAt); {
	case err == nil:
		return &store.Item{Key: key, Attrs: cloneAttrs(attrs), Version: newVersion, ExpiresAt: nullableTime(expiresAt)}, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, getErr := s.Get(ctx, key, store.Strong)
		if getErr != nil {
			if errors.Is(getErr, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, getErr
		}
		return nil, &store.VersionMismatchError{Key: key, Expected: expectedVersion, Actual: existing.Version}
	default:
		return nil, classify(err)
	}
}

func (s *Store) Add(ctx context.Context, key string, field string, delta int64, guard bool) (int64, error) {
	guardClause := ""
	if guard {
		guardClause = "AND (COALESCE((attrs->>$2)::bigint, 0) + $3) >= 0"
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE record_store
		SET attrs = jsonb_set(attrs, ARRAY[$2], to_jsonb(COALESCE((attrs->>$2)::bigint, 0) + $3)),
		    version = version + 1
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $4)
		%s
		RETURNING (attrs->>$2)::bigint
	`, guardClause), key, field, delta, s.now())

	var result int64
	switch err := row.Scan(&result); {
	case err == nil:
		return result, nil
	case errors.Is(err, sql.ErrNoRows):
		// Either the key doesn't exist, or the guard failed. Disambiguate
		// with a read so the caller gets the right error kind.
		existing, getErr := s.Get(ctx, key, store.Strong)
		if getErr != nil {
			return 0, getErr
		}
		observed := toInt64(existing.Attrs[field])
		if guard {
			return 0, &store.GuardFailedError{Key: key, Field: field, Observed: observed, Delta: delta}
		}
		return 0, store.ErrNotFound
	default:
		return 0, classify(err)
	}
}

func (s *Store) Get(ctx context.Context, key string, _ store.Consistency) (*store.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attrs, version, expires_at FROM record_store
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, s.now())

	var payload []byte
	var version int64
	var expiresAt sql.NullTime
	switch err := row.Scan(&payload, &version, &expiresAt); {
	case err == nil:
		var attrs map[string]any
		if jerr := json.Unmarshal(payload, &attrs); jerr != nil {
			return nil, fmt.Errorf("unmarshal attrs: %w", jerr)
		}
		return &store.Item{Key: key, Attrs: attrs, Version: version, ExpiresAt: nullableTime(expiresAt)}, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrNotFound
	default:
		return nil, classify(err)
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_store WHERE key = $1`, key)
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// database/sql surfaces connection and driver failures as generic
	// errors; without a dedicated pgconn inspection this backend treats
	// them all as transient, matching spec §4.1's fail-open posture.
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func cloneAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
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

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullableTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
