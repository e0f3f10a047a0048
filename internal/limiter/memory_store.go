package limiter

import (
	"context"
	"sync"
	"time"
)

// Store holds token buckets keyed by name.
type Store interface {
	// Take refills the bucket for key up to now and consumes one token if
	// available.
	Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	// Peek reports the bucket's tokens at now without consuming. A bucket
	// that was never used is full.
	Peek(ctx context.Context, key string, p Policy, now time.Time) (BucketState, error)
}

// MemoryStore keeps buckets in process memory. Each bucket has its own lock,
// so unrelated tiers never contend.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*tokenBucket)}
}

func (s *MemoryStore) bucket(key string, p Policy, now time.Time) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.buckets[key]
	if !ok {
		tb = newTokenBucket(p, now)
		s.buckets[key] = tb
	}
	return tb
}

func (s *MemoryStore) Take(_ context.Context, key string, p Policy, now time.Time) (Decision, error) {
	allowed, tokens := s.bucket(key, p, now).take(now)
	return decide(key, p, allowed, tokens), nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, p Policy, now time.Time) (BucketState, error) {
	s.mu.Lock()
	tb, ok := s.buckets[key]
	s.mu.Unlock()

	tokens := float64(p.Capacity)
	if ok {
		tokens = tb.peek(now)
	}
	return BucketState{Key: key, Capacity: p.Capacity, Window: p.Window, Tokens: tokens}, nil
}
