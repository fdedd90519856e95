// Package changelock provides the single-holder lock that keeps auto-send,
// manual send and manual deletion of a project's instances from
// interleaving. Acquisition never blocks: a caller that loses the race is
// told so and decides what to do.
package changelock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ChangeLock is a non-blocking mutual exclusion primitive.
type ChangeLock interface {
	// TryLock acquires the lock if it is free.
	TryLock() bool
	Unlock()

	// WithLock runs fn with acquired reporting whether the lock was taken.
	// The lock is released when fn returns.
	WithLock(fn func(acquired bool))
}

type changeLock struct {
	sem *semaphore.Weighted
}

func New() ChangeLock {
	return &changeLock{sem: semaphore.NewWeighted(1)}
}

func (l *changeLock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

func (l *changeLock) Unlock() {
	l.sem.Release(1)
}

func (l *changeLock) WithLock(fn func(acquired bool)) {
	acquired := l.TryLock()
	if acquired {
		defer l.Unlock()
	}
	fn(acquired)
}

// Lock blocks until the lock is acquired or ctx is done. It is meant for
// shutdown paths that must wait for a running batch.
func Lock(ctx context.Context, l ChangeLock) error {
	cl, ok := l.(*changeLock)
	if !ok {
		for !l.TryLock() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		return nil
	}
	return cl.sem.Acquire(ctx, 1)
}

// Provider hands out one lock per project and kind.
type Provider struct {
	mu    sync.Mutex
	locks map[string]ChangeLock
}

func NewProvider() *Provider {
	return &Provider{locks: make(map[string]ChangeLock)}
}

// InstancesLock guards a project's instances.
func (p *Provider) InstancesLock(projectID string) ChangeLock {
	return p.get("instances:" + projectID)
}

// FormsLock guards a project's form definitions.
func (p *Provider) FormsLock(projectID string) ChangeLock {
	return p.get("forms:" + projectID)
}

func (p *Provider) get(key string) ChangeLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = New()
		p.locks[key] = l
	}
	return l
}
