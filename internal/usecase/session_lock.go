package usecase

import (
	"context"
	"fmt"
	"sync"

	"floorbot/internal/domain"
)

// TurnLocker serializes conversation turns on one session.
// Lock blocks until the lock is held or ctx is done; the returned unlock
// function MUST be called when the turn completes.
type TurnLocker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

var _ TurnLocker = (*SessionLocker)(nil)

// SessionLocker is an in-process TurnLocker: one ref-counted mutex per
// session, dropped once nobody holds or waits for it.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{
		locks: make(map[string]*sessionMutex),
	}
}

// Lock acquires the lock for sessionID. If ctx ends first the error wraps
// domain.ErrSessionBusy and ctx.Err().
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	sl.mu.Lock()
	sm, ok := sl.locks[sessionID]
	if !ok {
		sm = &sessionMutex{}
		sl.locks[sessionID] = sm
	}
	sm.refCount++
	sl.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		return func() { once.Do(func() { sl.release(sessionID, sm) }) }, nil

	case <-ctx.Done():
		// The waiter goroutine still takes the mutex eventually; hand it straight back.
		go func() {
			<-acquired
			sl.release(sessionID, sm)
		}()
		return nil, fmt.Errorf("session lock %s: %w: %w", sessionID, domain.ErrSessionBusy, ctx.Err())
	}
}

func (sl *SessionLocker) release(sessionID string, sm *sessionMutex) {
	sm.mu.Unlock()
	sl.mu.Lock()
	sm.refCount--
	if sm.refCount == 0 {
		delete(sl.locks, sessionID)
	}
	sl.mu.Unlock()
}

// ActiveCount returns the number of sessions with active or pending locks.
// Intended for testing.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
