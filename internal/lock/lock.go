// Package lock provides reader/exclusive locks with a FIFO wait queue and
// optional timeouts, and a registry of named locks that are dropped once
// nobody holds or waits for them.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vdust/partage/internal/metrics"
)

// ErrTimeout is returned when a lock is not granted before the deadline.
var ErrTimeout = errors.New("lock acquisition timed out")

// Release gives a granted lock back. Calling it more than once is a no-op.
type Release func()

type waiter struct {
	exclusive bool
	ready     chan struct{}
	granted   bool
}

// Lock is a reader/exclusive lock. Waiters are served strictly in arrival
// order: an exclusive waiter at the head of the queue holds back every
// request queued behind it, shared ones included.
type Lock struct {
	mu sync.Mutex
	// readers is 0 when free, N > 0 with N shared holders, -1 when held
	// exclusively.
	readers int
	queue   []*waiter
	onIdle  func()
}

// New returns a free lock.
func New() *Lock {
	return &Lock{}
}

// Acquire blocks until the lock is granted, the timeout expires, or ctx is
// done. A timeout <= 0 waits without deadline.
func (l *Lock) Acquire(ctx context.Context, exclusive bool, timeout time.Duration) (Release, error) {
	l.mu.Lock()
	w := l.request(exclusive)
	l.mu.Unlock()
	return l.wait(ctx, w, timeout)
}

// request either grants immediately or queues a waiter. Must be called with
// l.mu held.
func (l *Lock) request(exclusive bool) *waiter {
	w := &waiter{exclusive: exclusive, ready: make(chan struct{})}
	if len(l.queue) == 0 && l.compatible(exclusive) {
		l.take(exclusive)
		w.granted = true
		close(w.ready)
		return w
	}
	l.queue = append(l.queue, w)
	return w
}

func (l *Lock) wait(ctx context.Context, w *waiter, timeout time.Duration) (Release, error) {
	start := time.Now()
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-w.ready:
	case <-expired:
		if l.abandon(w) {
			metrics.RecordLockTimeout()
			return nil, ErrTimeout
		}
	case <-ctx.Done():
		if l.abandon(w) {
			return nil, ctx.Err()
		}
	}
	metrics.RecordLockWait(w.exclusive, time.Since(start))
	return l.releaser(w.exclusive), nil
}

// abandon removes a waiter from the queue. It reports false when the waiter
// was granted in the meantime, in which case the caller owns the lock.
func (l *Lock) abandon(w *waiter) bool {
	l.mu.Lock()
	if w.granted {
		l.mu.Unlock()
		return false
	}
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	// The abandoned waiter may have been the one holding back the head.
	l.dispatch()
	idle, onIdle := l.idleLocked(), l.onIdle
	l.mu.Unlock()

	if idle && onIdle != nil {
		onIdle()
	}
	return true
}

func (l *Lock) releaser(exclusive bool) Release {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(exclusive) })
	}
}

func (l *Lock) release(exclusive bool) {
	l.mu.Lock()
	if exclusive {
		l.readers = 0
	} else if l.readers > 0 {
		l.readers--
	}
	l.dispatch()
	idle, onIdle := l.idleLocked(), l.onIdle
	l.mu.Unlock()

	if idle && onIdle != nil {
		onIdle()
	}
}

// dispatch grants queued waiters from the head while they are compatible.
func (l *Lock) dispatch() {
	for len(l.queue) > 0 {
		w := l.queue[0]
		if !l.compatible(w.exclusive) {
			return
		}
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.take(w.exclusive)
		w.granted = true
		close(w.ready)
	}
}

func (l *Lock) compatible(exclusive bool) bool {
	if exclusive {
		return l.readers == 0
	}
	return l.readers >= 0
}

func (l *Lock) take(exclusive bool) {
	if exclusive {
		l.readers = -1
	} else {
		l.readers++
	}
}

func (l *Lock) idleLocked() bool {
	return l.readers == 0 && len(l.queue) == 0
}

// Idle reports whether the lock has no holder and no waiter.
func (l *Lock) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idleLocked()
}

// State returns the holder counter and the queue length.
func (l *Lock) State() (readers, queued int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, len(l.queue)
}
