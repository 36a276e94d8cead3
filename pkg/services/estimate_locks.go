package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EstimateLocks is an in-process keyed mutex, one key per estimate. Recalculations and
// tree mutations of the same estimate are serialized through it; different estimates
// never contend.
type EstimateLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]chan struct{}
}

// NewEstimateLocks creates an empty lock table.
func NewEstimateLocks() *EstimateLocks {
	return &EstimateLocks{held: make(map[uuid.UUID]chan struct{})}
}

// TryLock takes the lock for id if it is free.
func (l *EstimateLocks) TryLock(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = make(chan struct{})
	return true
}

// Lock waits for the lock on id until ctx is done.
func (l *EstimateLocks) Lock(ctx context.Context, id uuid.UUID) error {
	for {
		l.mu.Lock()
		released, ok := l.held[id]
		if !ok {
			l.held[id] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases the lock on id and wakes waiters.
func (l *EstimateLocks) Unlock(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if released, ok := l.held[id]; ok {
		close(released)
		delete(l.held, id)
	}
}
