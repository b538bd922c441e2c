// Package kv holds the TTL'd session records that coordinate every live
// call. Each key is a single-writer lease owned by the call that created
// it; expiry is the primary cleanup mechanism.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store wraps a redis client with JSON-encoded, TTL'd records.
type Store struct {
	client *redis.Client
}

// New creates a Store on top of an existing redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to redis at addr and verifies the connection.
func Open(ctx context.Context, addr, password string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Close closes the underlying redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetJSON stores v under key as JSON with the given TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling record %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing record %s: %w", key, err)
	}
	return nil
}

// GetJSON loads the record stored under key into dst.
// Returns ErrNotFound if the key is absent or expired.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading record %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding record %s: %w", key, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting record %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a record is currently live.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking record %s: %w", key, err)
	}
	return n > 0, nil
}
