package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	cache.Set("tgk_abc123", &Principal{KeyID: "key_1"})

	result := cache.Get("tgk_abc123")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Error("fresh entry should not need refresh")
	}
	if result.Principal.KeyID != "key_1" {
		t.Errorf("expected key_1, got %s", result.Principal.KeyID)
	}
}

func TestCache_Miss(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)

	result := cache.Get("tgk_nonexistent")
	if result.Hit || result.Principal != nil || result.NeedsRefresh {
		t.Errorf("expected clean miss, got %+v", result)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("tgk_abc123", &Principal{KeyID: "key_1"})
	time.Sleep(5 * time.Millisecond)

	r1 := cache.Get("tgk_abc123")
	if !r1.Hit || !r1.NeedsRefresh {
		t.Fatalf("first stale read should hit and signal refresh, got %+v", r1)
	}

	r2 := cache.Get("tgk_abc123")
	if !r2.Hit {
		t.Fatal("expected stale hit on second read")
	}
	if r2.NeedsRefresh {
		t.Error("second stale read should not signal refresh while one is in flight")
	}
	if r2.Principal.KeyID != "key_1" {
		t.Error("stale read should still return the principal")
	}
}

func TestCache_ReleaseRefresh(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("tgk_abc123", &Principal{KeyID: "key_1"})
	time.Sleep(5 * time.Millisecond)

	if !cache.Get("tgk_abc123").NeedsRefresh {
		t.Fatal("expected refresh signal")
	}
	cache.ReleaseRefresh("tgk_abc123")
	if !cache.Get("tgk_abc123").NeedsRefresh {
		t.Error("expected refresh signal again after release")
	}

	// Releasing an unknown key is a no-op.
	cache.ReleaseRefresh("tgk_missing")
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("tgk_abc123", &Principal{KeyID: "key_1"})
	time.Sleep(5 * time.Millisecond)

	if !cache.Get("tgk_abc123").NeedsRefresh {
		t.Fatal("expected refresh signal")
	}

	cache.Set("tgk_abc123", &Principal{KeyID: "key_1_updated"})

	r := cache.Get("tgk_abc123")
	if !r.Hit || r.NeedsRefresh {
		t.Fatalf("expected fresh hit, got %+v", r)
	}
	if r.Principal.KeyID != "key_1_updated" {
		t.Errorf("expected updated principal, got %s", r.Principal.KeyID)
	}
}

func TestCache_Delete(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	cache.Set("tgk_abc123", &Principal{KeyID: "key_1"})

	cache.Delete("tgk_abc123")

	if cache.Get("tgk_abc123").Hit {
		t.Error("expected miss after delete")
	}
}

func TestCache_ConcurrentStaleRefresh(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("tgk_key", &Principal{KeyID: "key_1"})
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var refreshCount atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := cache.Get("tgk_key")
			if result.NeedsRefresh {
				refreshCount.Add(1)
			}
			if !result.Hit {
				t.Error("expected stale hit")
			}
		}()
	}
	wg.Wait()

	if refreshCount.Load() != 1 {
		t.Errorf("expected exactly 1 refresh signal, got %d", refreshCount.Load())
	}
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	cache := NewAuthCache(5 * time.Minute)
	cache.Set("tgk_bench_key", &Principal{KeyID: "bench"})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !cache.Get("tgk_bench_key").Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
