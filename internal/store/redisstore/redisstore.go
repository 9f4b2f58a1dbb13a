// Package redisstore is a Redis-backed Record Store, grounded in the
// teacher's internal/ingest/redis_store.go pipeline usage of
// github.com/redis/go-redis/v9. Unlike the teacher's fire-and-forget
// location pipeline, every write here needs an atomicity guarantee the
// plain Redis command set doesn't give for free (compare-and-set, guarded
// add), so those operations are small Lua scripts run with EVALSHA via
// redis.Script, the standard go-redis pattern for multi-step atomic
// updates.
//
// Each record is one Redis string holding a JSON envelope {"attrs":...,
// "version":...}; TTL rides on Redis's native per-key expiry rather than a
// stored field, so expired records simply stop existing from the caller's
// perspective.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cloudflow/internal/store"
)

// Client is the subset of *redis.Client used by Store, so tests can swap in
// a miniredis-backed client without depending on the concrete type.
type Client interface {
	redis.Cmdable
}

// Store is a Redis-backed store.Store.
type Store struct {
	client    Client
	keyPrefix string
}

// New constructs a Store over an existing Redis client.
func New(client Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "cf:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

type envelope struct {
	Attrs   map[string]any `json:"attrs"`
	Version int64          `json:"version"`
}

func (s *Store) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, attrs map[string]any, ttl time.Duration) (*store.Item, error) {
	env := envelope{Attrs: attrs, Version: 1}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}

	opts := &redis.SetArgs{Mode: "NX"}
	if ttl > 0 {
		opts.TTL = ttl
	}

	res, err := s.client.SetArgs(ctx, s.fullKey(key), payload, *opts).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrConflict
		}
		return nil, classify(err)
	}
	if res != "OK" {
		return nil, store.ErrConflict
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return &store.Item{Key: key, Attrs: cloneAttrs(attrs), Version: 1, ExpiresAt: expiresAt}, nil
}

// casScript performs compare-and-set: succeeds only if the stored version
// equals ARGV[1], preserving any existing TTL on write.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  return {-1, 0}
end
local obj = cjson.decode(cur)
if obj.version ~= tonumber(ARGV[1]) then
  return {0, obj.version}
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return {1, obj.version + 1}
`)

func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, attrs map[string]any) (*store.Item, error) {
	newVersion := expectedVersion + 1
	payload, err := json.Marshal(envelope{Attrs: attrs, Version: newVersion})
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}

	res, err := casScript.Run(ctx, s.client, []string{s.fullKey(key)}, expectedVersion, payload).Slice()
	if err != nil {
		return nil, classify(err)
	}
	status, actual := toInt64(res[0]), toInt64(res[1])
	switch status {
	case 1:
		return &store.Item{Key: key, Attrs: cloneAttrs(attrs), Version: newVersion}, nil
	case 0:
		return nil, &store.VersionMismatchError{Key: key, Expected: expectedVersion, Actual: actual}
	default:
		return nil, store.ErrNotFound
	}
}

// addScript performs a guarded atomic add on a numeric attribute: when
// ARGV[2] (guard) is "1" the add is rejected if the resulting value would
// go negative.
var addScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  return {-1, 0}
end
local obj = cjson.decode(cur)
local field = ARGV[1]
local delta = tonumber(ARGV[3])
local guard = ARGV[2] == '1'
local current = tonumber(obj.attrs[field])
if current == nil then current = 0 end
local next = current + delta
if guard and next < 0 then
  return {0, current}
end
obj.attrs[field] = next
obj.version = obj.version + 1
redis.call('SET', KEYS[1], cjson.encode(obj), 'KEEPTTL')
return {1, next}
`)

func (s *Store) Add(ctx context.Context, key string, field string, delta int64, guard bool) (int64, error) {
	guardArg := "0"
	if guard {
		guardArg = "1"
	}

	res, err := addScript.Run(ctx, s.client, []string{s.fullKey(key)}, field, guardArg, delta).Slice()
	if err != nil {
		return 0, classify(err)
	}
	status, value := toInt64(res[0]), toInt64(res[1])
	switch status {
	case 1:
		return value, nil
	case 0:
		return 0, &store.GuardFailedError{Key: key, Field: field, Observed: value, Delta: delta}
	default:
		return 0, store.ErrNotFound
	}
}

func (s *Store) Get(ctx context.Context, key string, _ store.Consistency) (*store.Item, error) {
	payload, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}

	var expiresAt time.Time
	if ttl, err := s.client.PTTL(ctx, s.fullKey(key)).Result(); err == nil && ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	return &store.Item{Key: key, Attrs: env.Attrs, Version: env.Version, ExpiresAt: expiresAt}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
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
