// Package cache provides the TTL-keyed ephemeral store backing one-time
// codes, MFA challenges, OAuth state, and trusted-device records. Every
// mutation that implements an anti-replay guarantee runs as a single
// server-side operation (GETDEL or a Lua script) so there is no
// check-then-delete window between round trips.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrBackend  = errors.New("cache: backend unavailable")
)

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "idn"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// SetKeepTTL rewrites a value without touching its remaining TTL.
func (s *Store) SetKeepTTL(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(key), value, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}

// GetDel atomically reads and removes a key. A second call for the same key
// always misses, which is the single-use guarantee for state tokens.
func (s *Store) GetDel(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return data, nil
}

// Incr increments a counter, applying ttl when the counter is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)
	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if n == 1 && ttl > 0 {
		if err := s.rdb.Expire(ctx, k, ttl).Err(); err != nil {
			return n, fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}
	return n, nil
}

// MapSet writes one field of a per-key hash and re-applies the map's TTL.
// The TTL slides on every write so an actively used map outlives idle ones.
func (s *Store) MapSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	k := s.key(key)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *Store) MapGet(ctx context.Context, key, field string) (string, error) {
	value, err := s.rdb.HGet(ctx, s.key(key), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return value, nil
}

func (s *Store) MapAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return values, nil
}

func (s *Store) MapDelete(ctx context.Context, key, field string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.key(key), field).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}

// Eval runs a Lua script against prefixed keys. Callers own the script; the
// store only namespaces the key arguments.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	result, err := script.Run(ctx, s.rdb, prefixed, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result, nil
}
