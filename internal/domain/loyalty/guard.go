package loyalty

import (
	"context"
	"sync"
)

// Guard serializes balance read-modify-write cycles for a user. Everything
// between reading a balance and writing the new one runs while the lock
// returned by Lock is held.
type Guard interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// NopGuard performs no serialization. Concurrent checkouts for the same user
// may lose updates.
type NopGuard struct{}

// Lock implements Guard.
func (NopGuard) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// KeyedMutex serializes balance updates per user within one process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until the lock for userID is acquired or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, userID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[userID]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[userID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(userID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(userID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(userID string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, userID)
	}
}

// size returns the number of users with a held or awaited lock.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
