package availability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/cache"
)

// CachedDirectory is a read-through cache in front of a UserDirectory.
// Only successful lookups are cached; misses and errors always reach the source.
type CachedDirectory struct {
	source UserDirectory
	cache  *cache.MemoryCache[uuid.UUID, domain.User]
}

// NewCachedDirectory caches up to maxSize accounts for ttl
func NewCachedDirectory(source UserDirectory, ttl time.Duration, maxSize int) *CachedDirectory {
	return &CachedDirectory{
		source: source,
		cache:  cache.NewMemoryCache[uuid.UUID, domain.User](ttl, maxSize),
	}
}

// GetByID returns a copy of the cached account or loads it from the source
func (d *CachedDirectory) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if user, ok := d.cache.Get(userID); ok {
		return &user, nil
	}

	user, err := d.source.GetByID(ctx, userID)
	if err != nil || user == nil {
		return user, err
	}
	d.cache.Set(userID, *user, 0)

	out := *user
	return &out, nil
}

// Invalidate drops userID, e.g. after an account change upstream
func (d *CachedDirectory) Invalidate(userID uuid.UUID) {
	d.cache.Delete(userID)
}

// StartCleanup periodically removes expired accounts. The returned function stops it.
func (d *CachedDirectory) StartCleanup(interval time.Duration) func() {
	return d.cache.StartCleanup(interval)
}
