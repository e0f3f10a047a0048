package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisStore(client, "toolgate:test:"+uuid.NewString()+":")
	policy := Policy{Capacity: 2, Window: 2 * time.Second} // 1 token/sec
	now := time.Now()

	for i := 0; i < 2; i++ {
		d, err := store.Take(ctx, "tier:HIGH", policy, now)
		if err != nil {
			t.Fatalf("Take %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("Take %d: expected allowed", i+1)
		}
	}

	d, err := store.Take(ctx, "tier:HIGH", policy, now)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected rejection once capacity is spent")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("unexpected retry after %s", d.RetryAfter)
	}

	// Fractional tokens survive the round trip through Redis.
	st, err := store.Peek(ctx, "tier:HIGH", policy, now.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if st.Tokens < 0.49 || st.Tokens > 0.51 {
		t.Errorf("expected about half a token, got %f", st.Tokens)
	}

	d, err = store.Take(ctx, "tier:HIGH", policy, now.Add(1100*time.Millisecond))
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !d.Allowed {
		t.Error("expected allowed after refill")
	}
}
