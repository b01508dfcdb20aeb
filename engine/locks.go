package engine

import (
	"context"
	"sync"
)

// turnLocks serializes turns per conversation. Waiters are granted the lock
// in arrival order.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	waiters []chan struct{}
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

// acquire blocks until the conversation's lock is held or ctx is done.
func (l *turnLocks) acquire(ctx context.Context, conversationID string) (release func(), err error) {
	release = func() { l.release(conversationID) }

	l.mu.Lock()
	lock, held := l.locks[conversationID]
	if !held {
		l.locks[conversationID] = &turnLock{}
		l.mu.Unlock()
		return release, nil
	}

	ch := make(chan struct{})
	lock.waiters = append(lock.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return release, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range lock.waiters {
		if w == ch {
			lock.waiters = append(lock.waiters[:i], lock.waiters[i+1:]...)
			return nil, ctx.Err()
		}
	}

	// Granted concurrently with the cancellation: pass it on.
	l.releaseLocked(conversationID)
	return nil, ctx.Err()
}

func (l *turnLocks) release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(conversationID)
}

func (l *turnLocks) releaseLocked(conversationID string) {
	lock, ok := l.locks[conversationID]
	if !ok {
		return
	}
	if len(lock.waiters) == 0 {
		delete(l.locks, conversationID)
		return
	}
	next := lock.waiters[0]
	lock.waiters = lock.waiters[1:]
	close(next)
}

// busy reports whether a turn holds the conversation's lock.
func (l *turnLocks) busy(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[conversationID]
	return ok
}
