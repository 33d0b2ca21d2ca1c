package lending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyedLocks hands out one mutual-exclusion scope per identifier. Entries
// are reference counted and dropped once nobody holds or waits on them.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks(timeout time.Duration) *keyedLocks {
	return &keyedLocks{
		entries: make(map[uuid.UUID]*lockEntry),
		timeout: timeout,
	}
}

// acquire blocks until the lock for id is held, ctx is done, or the
// acquisition timeout elapses. The returned func releases the lock.
func (l *keyedLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.drop(id, e)
			})
		}, nil
	case <-ctx.Done():
		l.drop(id, e)
		return nil, ctx.Err()
	case <-timeout:
		l.drop(id, e)
		return nil, ErrLockTimeout
	}
}

func (l *keyedLocks) drop(id uuid.UUID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
