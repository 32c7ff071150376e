// Package memory provides an in-process kv.Store. Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/taskward/kv"
)

// sweepEvery is the number of writes between full expiry sweeps.
const sweepEvery = 256

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a thread-safe in-memory kv.Store with lazy expiry.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	now    func() time.Time
	writes int
	closed bool
}

var _ kv.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialer returns a kv.Dialer that creates an independent Store per logical
// database.
func Dialer(opts ...Option) kv.Dialer {
	return func(int) (kv.Store, error) {
		return New(opts...), nil
	}
}

// lookup returns the live entry at key. Callers hold s.mu.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

// put stores value at key. Callers hold s.mu.
func (s *Store) put(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e

	s.writes++
	if s.writes%sweepEvery == 0 {
		now := s.now()
		for k, e := range s.data {
			if e.expired(now) {
				delete(s.data, k)
			}
		}
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: store closed", kv.ErrUnavailable)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	e, ok := s.lookup(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", key, kv.ErrNotFound)
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.put(key, value, ttl)
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *Store) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	e, ok := s.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, kv.ErrNotFound)
	}
	if e.expiresAt.IsZero() {
		return kv.NoExpiry, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string]entry)
	return nil
}
