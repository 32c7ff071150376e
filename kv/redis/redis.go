// Package redis provides a kv.Store backed by a Redis logical database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/taskward/kv"
)

const defaultTimeout = 10 * time.Second

// Options describes how to reach the Redis server. One client is created
// per logical database.
type Options struct {
	Addr     string
	Username string
	Password string
	// Timeout bounds dialing, socket reads and writes, and each operation.
	Timeout  time.Duration
	PoolSize int
}

// Store implements kv.Store over a go-redis client.
type Store struct {
	client  *redis.Client
	timeout time.Duration
}

var _ kv.Store = (*Store)(nil)

// New creates a Store for logical database db.
func New(opts Options, db int) *Store {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     opts.PoolSize,
	})
	return NewFromClient(client, timeout)
}

// NewFromClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewFromClient(client *redis.Client, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{client: client, timeout: timeout}
}

// Dialer returns a kv.Dialer that opens one Store per logical database.
func Dialer(opts Options) kv.Dialer {
	return func(db int) (kv.Store, error) {
		return New(opts, db), nil
	}
}

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func wrap(key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, kv.ErrNotFound)
	}
	return fmt.Errorf("%w: %s: %w", kv.ErrUnavailable, key, err)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", wrap(key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap(key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap(key, err)
	}
	return ok, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, wrap(keys[0], err)
	}
	return n, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return wrap(keys[0], err)
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(key, err)
	}
	// go-redis passes the -2 (missing) and -1 (no expiry) replies through unscaled.
	switch ttl {
	case -2:
		return 0, fmt.Errorf("%s: %w", key, kv.ErrNotFound)
	case -1:
		return kv.NoExpiry, nil
	}
	return ttl, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", kv.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
