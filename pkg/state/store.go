// Package state provides the shared key/value store agents use for
// correlation data: attempt counters, pending-optimization progress,
// failure context, and namespaced application context. Keys are scoped
// under a configurable prefix and carry TTLs.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the requested key does not exist (or expired).
var ErrNotFound = errors.New("state: key not found")

// Config controls key namespacing and the default TTL.
type Config struct {
	// Prefix is prepended to every key, e.g. "shared:".
	Prefix string

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
}

// DefaultConfig returns the built-in shared-state defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:     "shared:",
		DefaultTTL: time.Hour,
	}
}

// Store is the Redis-backed shared state store.
type Store struct {
	rdb *redis.Client
	cfg Config
}

// New creates a store on top of an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Store {
	return &Store{rdb: rdb, cfg: cfg}
}

func (s *Store) key(k string) string {
	return s.cfg.Prefix + k
}

// Get returns the raw value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state get %s: %w", key, err)
	}
	return val, nil
}

// Set writes key with the given TTL; ttl <= 0 uses the default TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("state set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only if absent. Returns true when the write happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	ok, err := s.rdb.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("state setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes one or more keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("state delete: %w", err)
	}
	return nil
}

// Incr increments an integer key and refreshes its TTL (ttl <= 0 uses the
// default). Returns the new value.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	n, err := s.rdb.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("state incr %s: %w", key, err)
	}
	if err := s.rdb.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return n, fmt.Errorf("state incr expire %s: %w", key, err)
	}
	return n, nil
}

// GetInt returns the integer value of key, or 0 when absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state getint %s: %w", key, err)
	}
	return n, nil
}

// Keys returns all stored keys matching the given sub-prefix, with the store
// prefix stripped.
func (s *Store) Keys(ctx context.Context, subPrefix string) ([]string, error) {
	full, err := s.rdb.Keys(ctx, s.key(subPrefix)+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("state keys %s: %w", subPrefix, err)
	}
	out := make([]string, 0, len(full))
	for _, k := range full {
		out = append(out, k[len(s.cfg.Prefix):])
	}
	return out, nil
}

// GetJSON reads key and unmarshals it into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("state decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and writes it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw), ttl)
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
