// Package reactor provides the serial event loop that owns all mutable state
// of a rule. Work is posted as closures and runs one at a time on a single
// goroutine; timers deliver their callbacks through the same loop so a
// cancelled timer can never fire afterwards.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs posted functions sequentially on one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if l.closed {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Post schedules fn. It never blocks and reports false once the loop is
// closed, in which case fn is dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from a function already running on the loop. Do reports false if the loop
// was closed before fn could run.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops the loop. Pending functions are discarded and later posts are
// dropped. Close is idempotent, does not wait, and is safe to call from a
// function running on the loop; use Done to wait for the goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a cancellable one-shot callback delivered on a Loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop after d. A Timer stopped before fn starts
// running guarantees fn is never called.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stopped.Load() {
				return
			}
			timer.stopped.Store(true)
			fn()
		})
	})
	return timer
}

// Stop cancels the timer. Stopping twice, or stopping a nil timer, is a
// no-op.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	if t.stopped.Swap(true) {
		return
	}
	t.t.Stop()
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped.Load()
}
