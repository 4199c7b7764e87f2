package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrLockFailed = errors.New("failed to acquire lock")

// Locker serializes work on a key, typically "purchase:lock:user:<id>". The
// lock is a front door against duplicate submissions; ledger correctness
// does not depend on it (row locks do that), so implementations may be
// best-effort.
type Locker interface {
	// Acquire blocks until the key lock is held or ctx/retries run out.
	// The returned release function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// UserKey builds the per-user purchase lock key.
func UserKey(userID int64) string {
	return fmt.Sprintf("purchase:lock:user:%d", userID)
}

// LocalLocker is an in-process Locker keyed by a lazily-grown mutex map.
// Good for single-instance deployments and tests.
type LocalLocker struct {
	mu sync.Map
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	v, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)

	locked := make(chan struct{})
	go func() {
		mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine will still take the mutex; release it once held
		// so the key is not poisoned.
		go func() {
			<-locked
			mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}
