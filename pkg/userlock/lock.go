// Package userlock serializes work per user id, in-process or across
// replicas through Redis.
package userlock

import (
	"context"
	"sync"
)

// Locker grants exclusive per-user scopes
type Locker interface {
	// Lock blocks until userID's scope is held or ctx is done. The
	// returned unlock is safe to call more than once.
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are reference counted and
// removed when no goroutine holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates an empty Local
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// Lock implements Locker
func (l *Local) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(userID, e)
		})
	}, nil
}

func (l *Local) release(userID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, userID)
	}
}

// size reports the number of live entries
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
