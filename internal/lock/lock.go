// Package lock guards ingestion passes so that only one runs at a time,
// within this process (Local) or across processes sharing a database (Redis).
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock: already held")

// ReleaseFunc releases an acquired lock. It is safe to call more than once.
type ReleaseFunc func(ctx context.Context) error

// Locker acquires a lock without blocking.
type Locker interface {
	TryAcquire(ctx context.Context) (ReleaseFunc, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held bool
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrHeld
	}
	l.held = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
		return nil
	}, nil
}
