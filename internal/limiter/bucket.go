package limiter

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Policy is a token-bucket budget: Capacity tokens, refilled continuously
// at Capacity per Window.
type Policy struct {
	Capacity int           `json:"capacity"`
	Window   time.Duration `json:"window"`
}

// Validate checks that the policy can admit anything at all.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", p.Capacity)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// Rate returns the refill rate in tokens per second.
func (p Policy) Rate() float64 {
	return float64(p.Capacity) / p.Window.Seconds()
}

// Decision is the outcome of one consume attempt.
type Decision struct {
	Allowed    bool
	Key        string
	Remaining  int
	RetryAfter time.Duration
}

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Key      string        `json:"key"`
	Capacity int           `json:"capacity"`
	Window   time.Duration `json:"window"`
	Tokens   float64       `json:"tokens"`
}

// decide builds a Decision from the token count left after a consume attempt.
func decide(key string, p Policy, allowed bool, tokens float64) Decision {
	d := Decision{Allowed: allowed, Key: key, Remaining: int(math.Floor(tokens))}
	if !allowed {
		d.RetryAfter = retryAfter(p, tokens)
	}
	return d
}

// retryAfter is the time until the bucket holds one whole token.
func retryAfter(p Policy, tokens float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing * float64(p.Window) / float64(p.Capacity)))
}

// tokenBucket is a thread-safe token bucket with a real-valued accumulator
// and lazy refill.
type tokenBucket struct {
	mu         sync.Mutex
	policy     Policy
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(p Policy, now time.Time) *tokenBucket {
	return &tokenBucket{
		policy:     p,
		tokens:     float64(p.Capacity),
		lastRefill: now,
	}
}

// refill must be called with mu held. A clock that moves backwards adds
// nothing and does not rewind lastRefill.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := float64(elapsed) * float64(tb.policy.Capacity) / float64(tb.policy.Window)
	tb.tokens = math.Min(float64(tb.policy.Capacity), tb.tokens+added)
	tb.lastRefill = now
}

func (tb *tokenBucket) take(now time.Time) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, tb.tokens
	}
	return false, tb.tokens
}

func (tb *tokenBucket) peek(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens
}
