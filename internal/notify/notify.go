// Package notify provides subscriber lists and an ordered dispatch queue.
//
// Producers enqueue events while holding their own state lock, so events are
// queued in mutation order, and call Drain after releasing it. The first
// goroutine to drain delivers everything queued, including events enqueued by
// handlers, which lets handlers call back into the producer.
package notify

import (
	"sync"
	"sync/atomic"
)

// Dispatcher is an ordered, re-entrant delivery queue.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Enqueue appends fn to the queue without running it.
func (d *Dispatcher) Enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

// Drain runs queued functions in order until the queue is empty. If another
// goroutine (or an enclosing call on this goroutine) is already draining,
// Drain returns immediately and that drainer delivers the queued functions.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}

type subscription[E any] struct {
	fn     func(E)
	active atomic.Bool
}

// List is a copy-on-write list of subscribers.
type List[E any] struct {
	mu   sync.Mutex
	subs []*subscription[E]
}

// Subscribe adds fn and returns a disposer. The disposer is idempotent; once
// it returns, fn is never called again for events not yet delivered.
func (l *List[E]) Subscribe(fn func(E)) (cancel func()) {
	s := &subscription[E]{fn: fn}
	s.active.Store(true)

	l.mu.Lock()
	next := make([]*subscription[E], len(l.subs), len(l.subs)+1)
	copy(next, l.subs)
	l.subs = append(next, s)
	l.mu.Unlock()

	return func() {
		if !s.active.Swap(false) {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, other := range l.subs {
			if other == s {
				next := make([]*subscription[E], 0, len(l.subs)-1)
				next = append(next, l.subs[:i]...)
				l.subs = append(next, l.subs[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of active subscribers.
func (l *List[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Emit enqueues e for every current subscriber on d.
func (l *List[E]) Emit(d *Dispatcher, e E) {
	l.mu.Lock()
	subs := l.subs
	l.mu.Unlock()

	for _, s := range subs {
		s := s
		d.Enqueue(func() {
			if s.active.Load() {
				s.fn(e)
			}
		})
	}
}
