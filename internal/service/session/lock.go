package session

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedLocks serializes work per id. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocks creates an empty lock table
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[uuid.UUID]*keyedLock)}
}

// Lock blocks until the caller holds the lock for id and returns its release func
func (l *KeyedLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &keyedLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *KeyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
