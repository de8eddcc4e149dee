package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
)

// MemoryCache is an in-process TTL cache bounded to maxSize entries.
// When full, the oldest entry is evicted.
type MemoryCache[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache[K comparable, V any](defaultTTL time.Duration, maxSize int) *MemoryCache[K, V] {
	return &MemoryCache[K, V]{
		data:    make(map[K]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests
func (mc *MemoryCache[K, V]) WithClock(now func() time.Time) *MemoryCache[K, V] {
	mc.now = now
	return mc
}

// Set stores a value with ttl; zero means the default TTL
func (mc *MemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value. Expired entries are removed on access.
func (mc *MemoryCache[K, V]) Get(key K) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var zero V
	entry, exists := mc.data[key]
	if !exists {
		return zero, false
	}
	if !mc.now().Before(entry.expiresAt) {
		delete(mc.data, key)
		return zero, false
	}
	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[K, V]) Delete(key K) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[K, V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache[K, V]) evictOldest() {
	var oldestKey K
	var oldestTime time.Time
	found := false

	for key, entry := range mc.data {
		if !found || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
			found = true
		}
	}

	if found {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache[K, V]) cleanupExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expired := 0
	for key, entry := range mc.data {
		if !now.Before(entry.expiresAt) {
			delete(mc.data, key)
			expired++
		}
	}
	return expired
}

// StartCleanup starts a goroutine to clean up expired entries.
// The returned function stops it.
func (mc *MemoryCache[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := mc.cleanupExpired(); n > 0 {
					logger.Debug("Expired cache entries cleaned up",
						zap.Int("count", n),
						zap.Int("remaining", mc.Size()))
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
