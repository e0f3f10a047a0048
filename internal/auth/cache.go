package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path. Keys are SHA-256
// digests of the credential so plaintext keys are never retained.
type AuthCache struct {
	store sync.Map // map[[32]byte]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(credential string) AuthCacheGetResult {
	val, ok := c.store.Load(sha256.Sum256([]byte(credential)))
	if !ok {
		return AuthCacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return AuthCacheGetResult{
			Principal: entry.principal,
			Hit:       true,
		}
	}

	// Stale: only one goroutine wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return AuthCacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a principal with a fresh TTL.
func (c *AuthCache) Set(credential string, p *Principal) {
	c.store.Store(sha256.Sum256([]byte(credential)), &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(credential string) {
	c.store.Delete(sha256.Sum256([]byte(credential)))
}

// ReleaseRefresh clears the in-flight refresh marker of a stale entry so the
// next Get signals a refresh again.
func (c *AuthCache) ReleaseRefresh(credential string) {
	if val, ok := c.store.Load(sha256.Sum256([]byte(credential))); ok {
		val.(*cacheEntry).refreshing.Store(false)
	}
}
