// Package mutex provides a FIFO lock for critical sections that
// span storage reads and writes.
package mutex

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Mutex grants the lock to waiters in the order they called Lock.
// The zero value is not usable, create one with New.
type Mutex struct {
	sem *semaphore.Weighted
}

func New() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is acquired or ctx is done.
// If ctx is done first the lock is not held and ctx.Err() is returned.
func (m *Mutex) Lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// TryLock acquires the lock only if it is free.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

// Run executes fn while holding m and returns its result.
// The lock is released when fn returns or panics.
func Run[T any](ctx context.Context, m *Mutex, fn func() (T, error)) (T, error) {
	if err := m.Lock(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer m.Unlock()

	return fn()
}

// Do is Run for critical sections that only return an error.
func Do(ctx context.Context, m *Mutex, fn func() error) error {
	_, err := Run(ctx, m, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
