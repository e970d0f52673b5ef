package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker serializes turns per session. Waiters are granted the lock in
// arrival order; different sessions never contend.
type Locker struct {
	mu     sync.Mutex
	queues map[uuid.UUID]*ticketQueue
}

type ticketQueue struct {
	waiters []chan struct{}
}

func NewLocker() *Locker {
	return &Locker{queues: make(map[uuid.UUID]*ticketQueue)}
}

// Lock blocks until the caller holds the session's lock or ctx is done. The
// returned func releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	q, held := l.queues[id]
	if !held {
		l.queues[id] = &ticketQueue{}
		l.mu.Unlock()
		return l.releaser(id), nil
	}
	ticket := make(chan struct{})
	q.waiters = append(q.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return l.releaser(id), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range q.waiters {
		if w == ticket {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	l.mu.Unlock()
	// The lock was handed over as ctx expired; pass it on.
	l.release(id)
	return nil, ctx.Err()
}

// Waiting returns the number of callers queued behind the holder.
func (l *Locker) Waiting(id uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[id]; ok {
		return len(q.waiters)
	}
	return 0
}

func (l *Locker) releaser(id uuid.UUID) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(id) }) }
}

func (l *Locker) release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[id]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, id)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
