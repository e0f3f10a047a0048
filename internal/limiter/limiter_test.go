package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/toolgate/internal/registry"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore always errors, standing in for an unreachable shared store.
type failingStore struct {
	calls atomic.Int32
}

func (s *failingStore) Take(context.Context, string, Policy, time.Time) (Decision, error) {
	s.calls.Add(1)
	return Decision{}, errors.New("connection refused")
}

func (s *failingStore) Peek(context.Context, string, Policy, time.Time) (BucketState, error) {
	return BucketState{}, errors.New("connection refused")
}

func newTestLimiter(t *testing.T, cfg Config, store Store, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(cfg, store, zap.NewNop(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLimiter_AdmitsCapacityThenRejects(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{}, nil, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.TryConsume(ctx, registry.TierCritical, "google_cloud_run_deploy")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if d.Remaining != 9-i {
			t.Errorf("call %d: expected remaining %d, got %d", i+1, 9-i, d.Remaining)
		}
	}

	d, err := l.TryConsume(ctx, registry.TierCritical, "google_cloud_run_deploy")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th call: expected ErrRateLimited, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	// 10 per hour refills one token every 6 minutes.
	if rle.RetryAfter != 6*time.Minute {
		t.Errorf("expected retry after 6m, got %s", rle.RetryAfter)
	}
	if d.Allowed || d.Key != "tier:CRITICAL" {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestLimiter_ContinuousRefill(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{}, nil, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := l.TryConsume(ctx, registry.TierCritical, "op"); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	// Half a token: still rejected, but the retry hint shrinks.
	clock.Advance(3 * time.Minute)
	_, err := l.TryConsume(ctx, registry.TierCritical, "op")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if rle.RetryAfter != 3*time.Minute {
		t.Errorf("expected retry after 3m, got %s", rle.RetryAfter)
	}

	clock.Advance(3 * time.Minute)
	if _, err := l.TryConsume(ctx, registry.TierCritical, "op"); err != nil {
		t.Fatalf("expected admission after a full token refilled: %v", err)
	}
	if _, err := l.TryConsume(ctx, registry.TierCritical, "op"); err == nil {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiter_RefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{Tiers: map[registry.Tier]Policy{
		registry.TierHigh: {Capacity: 3, Window: time.Second},
	}}, nil, clock)
	ctx := context.Background()

	if _, err := l.TryConsume(ctx, registry.TierHigh, "op"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)

	st := l.Buckets(ctx)[1]
	if st.Key != "tier:HIGH" || st.Tokens != 3 {
		t.Fatalf("expected full HIGH bucket with 3 tokens, got %+v", st)
	}
}

func TestLimiter_ClockGoingBackwardsAddsNothing(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{Tiers: map[registry.Tier]Policy{
		registry.TierHigh: {Capacity: 1, Window: time.Minute},
	}}, nil, clock)
	ctx := context.Background()

	if _, err := l.TryConsume(ctx, registry.TierHigh, "op"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(-time.Hour)
	if _, err := l.TryConsume(ctx, registry.TierHigh, "op"); err == nil {
		t.Fatal("expected rejection after clock moved backwards")
	}
	// Back to the original instant plus one window: exactly one token.
	clock.Advance(time.Hour + time.Minute)
	if _, err := l.TryConsume(ctx, registry.TierHigh, "op"); err != nil {
		t.Fatalf("expected admission one window later: %v", err)
	}
}

func TestLimiter_ConcurrentCallersAdmitAtMostCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{}, nil, clock)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryConsume(ctx, registry.TierCritical, "deploy"); err == nil {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted.Load())
	}
}

func TestLimiter_TiersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{Tiers: map[registry.Tier]Policy{
		registry.TierCritical: {Capacity: 1, Window: time.Hour},
	}}, nil, clock)
	ctx := context.Background()

	if _, err := l.TryConsume(ctx, registry.TierCritical, "deploy"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryConsume(ctx, registry.TierCritical, "deploy"); err == nil {
		t.Fatal("expected CRITICAL exhausted")
	}
	if _, err := l.TryConsume(ctx, registry.TierLow, "list"); err != nil {
		t.Fatalf("LOW should be unaffected: %v", err)
	}
}

func TestLimiter_OverrideUsesOwnBucket(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{Overrides: map[string]Policy{
		"docker_restart": {Capacity: 2, Window: time.Hour},
	}}, nil, clock)
	ctx := context.Background()

	key, p := l.PolicyFor(registry.TierHigh, "docker_restart")
	if key != "op:docker_restart" || p.Capacity != 2 {
		t.Fatalf("unexpected override policy %s %+v", key, p)
	}

	for i := 0; i < 2; i++ {
		if _, err := l.TryConsume(ctx, registry.TierHigh, "docker_restart"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.TryConsume(ctx, registry.TierHigh, "docker_restart"); err == nil {
		t.Fatal("override bucket should be exhausted")
	}
	if _, err := l.TryConsume(ctx, registry.TierHigh, "docker_stop"); err != nil {
		t.Fatalf("tier bucket should be untouched: %v", err)
	}
}

func TestLimiter_StoreFailureFallsBackToLocalBucket(t *testing.T) {
	clock := newFakeClock()
	store := &failingStore{}
	l := newTestLimiter(t, Config{Tiers: map[registry.Tier]Policy{
		registry.TierCritical: {Capacity: 2, Window: time.Hour},
	}}, store, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.TryConsume(ctx, registry.TierCritical, "deploy"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if _, err := l.TryConsume(ctx, registry.TierCritical, "deploy"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("local bucket should still enforce the limit, got %v", err)
	}
	if store.calls.Load() != 3 {
		t.Errorf("expected the shared store to be tried each time, got %d", store.calls.Load())
	}

	buckets := l.Buckets(ctx)
	if buckets[0].Tokens != 0 {
		t.Errorf("expected fallback bucket state, got %+v", buckets[0])
	}
}

func TestNew_NilLoggerStillWarnsSafely(t *testing.T) {
	clock := newFakeClock()
	l, err := New(Config{}, &failingStore{}, nil, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// The store failure path logs a warning.
	if _, err := l.TryConsume(context.Background(), registry.TierLow, "list"); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
}

func TestLimiter_Buckets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, Config{Overrides: map[string]Policy{
		"b_op": {Capacity: 5, Window: time.Minute},
		"a_op": {Capacity: 5, Window: time.Minute},
	}}, nil, clock)

	buckets := l.Buckets(context.Background())
	want := []string{"tier:CRITICAL", "tier:HIGH", "tier:MEDIUM", "tier:LOW", "op:a_op", "op:b_op"}
	if len(buckets) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(buckets))
	}
	for i, b := range buckets {
		if b.Key != want[i] {
			t.Errorf("bucket %d: expected %s, got %s", i, want[i], b.Key)
		}
		if b.Tokens != float64(b.Capacity) {
			t.Errorf("unused bucket %s should be full", b.Key)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []Config{
		{Tiers: map[registry.Tier]Policy{"URGENT": {Capacity: 1, Window: time.Second}}},
		{Tiers: map[registry.Tier]Policy{registry.TierLow: {Capacity: 0, Window: time.Second}}},
		{Overrides: map[string]Policy{"x": {Capacity: 1}}},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
		if _, err := New(cfg, nil, zap.NewNop()); err == nil {
			t.Errorf("case %d: New should reject invalid config", i)
		}
	}
}

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	for _, tier := range registry.Tiers {
		if err := p[tier].Validate(); err != nil {
			t.Errorf("default policy for %s invalid: %v", tier, err)
		}
	}
	if p[registry.TierCritical].Capacity != 10 || p[registry.TierCritical].Window != time.Hour {
		t.Errorf("unexpected CRITICAL default: %+v", p[registry.TierCritical])
	}
	if p[registry.TierHigh].Capacity != 100 || p[registry.TierHigh].Window != time.Minute {
		t.Errorf("unexpected HIGH default: %+v", p[registry.TierHigh])
	}
}
