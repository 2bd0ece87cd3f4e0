package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeStore is an in-memory counter.Store for testing. Counters never
// expire; tests control time through the engine instead.
type FakeStore struct {
	mu       sync.Mutex
	counters map[string]int64
	ttls     map[string]time.Duration

	// ReadErr, when set, is returned by every Read.
	ReadErr error
	// IncrErr, when set, is returned by every Incr.
	IncrErr error
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		counters: make(map[string]int64),
		ttls:     make(map[string]time.Duration),
	}
}

// Set seeds a counter value.
func (s *FakeStore) Set(key string, val int64) {
	s.mu.Lock()
	s.counters[key] = val
	s.mu.Unlock()
}

// Read returns the seeded counter, 0 when absent.
func (s *FakeStore) Read(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return 0, s.ReadErr
	}
	return s.counters[key], nil
}

// Incr bumps the counter and records the requested TTL.
func (s *FakeStore) Incr(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IncrErr != nil {
		return s.IncrErr
	}
	s.counters[key]++
	s.ttls[key] = ttl
	return nil
}

// Ping always succeeds.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

// Count returns the current counter for key.
func (s *FakeStore) Count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// TTL returns the TTL recorded by the last Incr of key.
func (s *FakeStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// Keys returns all keys that have been incremented or seeded.
func (s *FakeStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.counters))
	for k := range s.counters {
		out = append(out, k)
	}
	return out
}
