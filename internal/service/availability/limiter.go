package availability

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AttemptLimiter bounds how many calls a user may place per minute
type AttemptLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*attemptEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type attemptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter allows perMinute attempts with a burst of the same size
func NewAttemptLimiter(perMinute int, now func() time.Time) *AttemptLimiter {
	if now == nil {
		now = time.Now
	}
	if perMinute < 1 {
		perMinute = 1
	}
	return &AttemptLimiter{
		limiters: make(map[uuid.UUID]*attemptEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      now,
	}
}

// Allow consumes one attempt for userID
func (l *AttemptLimiter) Allow(userID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &attemptEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Prune forgets users idle for longer than idle and returns how many were removed
func (l *AttemptLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}
