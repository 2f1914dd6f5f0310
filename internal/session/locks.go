package session

import (
	"context"
	"sync"
)

// Locks serializes operations per session. Lifecycle ops take the blocking
// Lock; Send uses TryLock so a second concurrent query fails fast with Busy
// instead of queueing behind the first. Entries are refcounted and removed
// as soon as nobody holds or awaits them, so the map tracks live sessions,
// not the all-time session count.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1; sending acquires, receiving releases
	refs int           // holders plus blocked waiters
}

// NewLocks creates an empty lock map.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// acquireEntry bumps the refcount, creating the entry on first use. An entry
// with refs > 0 is never removed, so the returned pointer stays the one in
// the map until releaseEntry drops the last reference.
func (l *Locks) acquireEntry(sessionID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[sessionID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[sessionID] = e
	}
	e.refs++
	return e
}

func (l *Locks) releaseEntry(sessionID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, sessionID)
	}
}

// TryLock acquires the session's lock without blocking. The release func is
// safe to call more than once.
func (l *Locks) TryLock(sessionID string) (release func(), ok bool) {
	e := l.acquireEntry(sessionID)
	select {
	case e.sem <- struct{}{}:
	default:
		l.releaseEntry(sessionID, e)
		return nil, false
	}
	return l.releaser(sessionID, e), true
}

// Lock blocks until the session's lock is free or ctx ends. Per-session
// locks may be held across I/O; only the map access is a short critical
// section.
func (l *Locks) Lock(ctx context.Context, sessionID string) (release func(), err error) {
	e := l.acquireEntry(sessionID)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseEntry(sessionID, e)
		return nil, ctx.Err()
	}
	return l.releaser(sessionID, e), nil
}

func (l *Locks) releaser(sessionID string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseEntry(sessionID, e)
		})
	}
}

// Len reports how many sessions currently have a lock entry.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
