package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// keyedLocks hands out one weighted semaphore per transaction id and drops
// it once nobody holds or waits on it.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (k *keyedLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*keyLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.release(id, l, false)
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { k.release(id, l, true) }) }, nil
}

func (k *keyedLocks) release(id uuid.UUID, l *keyLock, held bool) {
	if held {
		l.sem.Release(1)
	}
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}
