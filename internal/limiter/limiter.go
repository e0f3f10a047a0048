// Package limiter enforces per-tier token-bucket budgets on admitted
// operations.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/triage-ai/toolgate/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrRateLimited is matched by every *RateLimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError reports an exhausted bucket and when it will next admit.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DefaultPolicies returns the built-in tier budgets.
func DefaultPolicies() map[registry.Tier]Policy {
	return map[registry.Tier]Policy{
		registry.TierCritical: {Capacity: 10, Window: time.Hour},
		registry.TierHigh:     {Capacity: 100, Window: time.Minute},
		registry.TierMedium:   {Capacity: 1000, Window: time.Hour},
		registry.TierLow:      {Capacity: 10000, Window: time.Hour},
	}
}

// Config selects policies. Tiers missing from Tiers use DefaultPolicies. An
// override gives that operation its own bucket in place of its tier's.
type Config struct {
	Tiers     map[registry.Tier]Policy
	Overrides map[string]Policy
}

// Validate checks every configured policy.
func (c Config) Validate() error {
	for tier, p := range c.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("limiter policy for unknown tier %q", tier)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("limiter policy %s: %w", tier, err)
		}
	}
	for op, p := range c.Overrides {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("limiter override %s: %w", op, err)
		}
	}
	return nil
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMeter sets the meter used for limiter metrics.
func WithMeter(m metric.Meter) Option {
	return func(l *Limiter) { l.meter = m }
}

// Limiter maps (tier, operation) to a bucket and consumes from it.
type Limiter struct {
	store    Store
	fallback *MemoryStore
	tiers    map[registry.Tier]Policy
	override map[string]Policy
	now      func() time.Time
	logger   *zap.Logger

	meter          metric.Meter
	storeFallbacks metric.Int64Counter
}

// New creates a Limiter over store. When the store errors (for example a
// shared Redis store that is unreachable) the limiter logs a warning and
// consumes from a process-local bucket instead.
func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tiers := DefaultPolicies()
	for tier, p := range cfg.Tiers {
		tiers[tier] = p
	}
	overrides := make(map[string]Policy, len(cfg.Overrides))
	for op, p := range cfg.Overrides {
		overrides[op] = p
	}

	l := &Limiter{
		store:    store,
		fallback: NewMemoryStore(),
		tiers:    tiers,
		override: overrides,
		now:      time.Now,
		logger:   logger,
		meter:    otel.Meter("github.com/triage-ai/toolgate/internal/limiter"),
	}
	for _, opt := range opts {
		opt(l)
	}

	var err error
	l.storeFallbacks, err = l.meter.Int64Counter("toolgate.limiter.store_fallbacks",
		metric.WithDescription("Consumes served by the local bucket because the shared store failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return l, nil
}

// PolicyFor returns the bucket key and policy governing an operation.
func (l *Limiter) PolicyFor(tier registry.Tier, operation string) (string, Policy) {
	if p, ok := l.override[operation]; ok {
		return "op:" + operation, p
	}
	return "tier:" + tier.String(), l.tiers[tier]
}

// TryConsume takes one token from the bucket governing operation. When the
// bucket is empty it returns the Decision together with a *RateLimitError.
func (l *Limiter) TryConsume(ctx context.Context, tier registry.Tier, operation string) (Decision, error) {
	key, p := l.PolicyFor(tier, operation)
	if p.Capacity <= 0 {
		return Decision{}, fmt.Errorf("TryConsume: no policy for tier %q", tier)
	}

	now := l.now()
	d, err := l.store.Take(ctx, key, p, now)
	if err != nil {
		l.logger.Warn("limiter store failed, using local bucket",
			zap.String("key", key),
			zap.Error(err),
		)
		l.storeFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
		d, _ = l.fallback.Take(ctx, key, p, now)
	}

	if !d.Allowed {
		return d, &RateLimitError{Key: key, RetryAfter: d.RetryAfter}
	}
	return d, nil
}

// Buckets reports every configured bucket, tiers first then overrides.
func (l *Limiter) Buckets(ctx context.Context) []BucketState {
	now := l.now()
	out := make([]BucketState, 0, len(l.tiers)+len(l.override))

	for _, tier := range registry.Tiers {
		out = append(out, l.peek(ctx, "tier:"+tier.String(), l.tiers[tier], now))
	}

	ops := make([]string, 0, len(l.override))
	for op := range l.override {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		out = append(out, l.peek(ctx, "op:"+op, l.override[op], now))
	}
	return out
}

func (l *Limiter) peek(ctx context.Context, key string, p Policy, now time.Time) BucketState {
	st, err := l.store.Peek(ctx, key, p, now)
	if err != nil {
		st, _ = l.fallback.Peek(ctx, key, p, now)
	}
	return st
}
