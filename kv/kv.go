// Package kv defines the key-value store that holds all mutable session
// state: the revocation ledger and the one-time code cache.
//
// A single server is partitioned into logical databases. The Registry hands
// out one Store per database index and is the only place clients are built.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable wraps connectivity and timeout failures of the backing store.
	ErrUnavailable = errors.New("key-value store unavailable")
)

// NoExpiry is reported by TTL for keys that exist without an expiry.
const NoExpiry time.Duration = -1

// Store is one logical database of the key-value service. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value at key, replacing any previous value and expiry.
	// A zero ttl stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value at key only when key is absent. It reports whether
	// the write happened. An existing key keeps its original expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Exists returns how many of keys are present.
	Exists(ctx context.Context, keys ...string) (int64, error)
	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime of key, NoExpiry for a persistent
	// key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens the Store for a logical database index.
type Dialer func(db int) (Store, error)

// Registry lazily opens one Store per logical database and shares it across
// callers. It is built once at startup and passed to every component that
// needs session state.
type Registry struct {
	mu     sync.Mutex
	dial   Dialer
	stores map[int]Store
	closed bool
}

func NewRegistry(dial Dialer) *Registry {
	return &Registry{
		dial:   dial,
		stores: make(map[int]Store),
	}
}

// DB returns the Store for database db. The first call for an index dials
// and pings the store; failures are reported as ErrUnavailable and retried
// on the next call.
func (r *Registry) DB(ctx context.Context, db int) (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry closed", ErrUnavailable)
	}
	if s, ok := r.stores[db]; ok {
		return s, nil
	}

	s, err := r.dial(db)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing db %d: %w", ErrUnavailable, db, err)
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		if errors.Is(err, ErrUnavailable) {
			return nil, fmt.Errorf("pinging db %d: %w", db, err)
		}
		return nil, fmt.Errorf("%w: pinging db %d: %w", ErrUnavailable, db, err)
	}
	r.stores[db] = s
	return s, nil
}

// Close closes every opened Store. Subsequent DB calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var errs []error
	for db, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing db %d: %w", db, err))
		}
		delete(r.stores, db)
	}
	return errors.Join(errs...)
}
