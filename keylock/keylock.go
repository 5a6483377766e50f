/*
Package keylock provides exclusive scopes keyed by string.

PURPOSE:
  The selection coordinator must never run two transitions for the same
  (user, meal) pair at once. A Locker hands out one scope per key; callers
  for different keys never wait on each other.

IMPLEMENTATIONS:
  Local: In-process keyed mutex. Sufficient for a single server.
  Redis: SET NX PX lease shared by every server talking to the same Redis.

CONTRACT:
  Lock blocks until the scope is acquired or ctx is done. The returned
  release func must be called exactly once, after the guarded work has
  definitively returned.
*/
package keylock

import (
	"context"
	"sync"
)

// Locker acquires exclusive scopes.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// =============================================================================
// LOCAL - In-process keyed lock
// =============================================================================

// Local is a keyed mutex. Entries are reference counted and removed once no
// goroutine holds or waits for them, so the map only grows with contention.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	slot chan struct{} // capacity 1; a value in the channel means "held"
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{slot: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.unref(key, e)
		})
	}, nil
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
