// Package loop provides the single logical owner thread that serializes all
// capture session state transitions. Platform callbacks never touch state
// directly; they post a function onto the loop and the loop runs it.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize bounds the number of pending posted functions.
const DefaultQueueSize = 64

// ErrStopped is returned when work is posted to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Scheduler is the part of the loop that components depend on.
type Scheduler interface {
	// Post queues fn to run on the loop. It reports false if the loop has stopped.
	Post(fn func()) bool
	// AfterFunc runs fn on the loop once d has elapsed, unless the returned
	// timer is stopped first.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Executor is a Scheduler that owners drive and call into synchronously.
type Executor interface {
	Scheduler
	// Call runs fn on the loop and waits for it to return.
	Call(ctx context.Context, fn func()) error
	// Run drives the loop until ctx is canceled.
	Run(ctx context.Context) error
}

// Timer is a cancelable cooperative timer.
type Timer interface {
	// Stop prevents the timer from firing. Called on the loop it guarantees
	// fn will not run afterwards, even if the underlying timer already expired.
	Stop() bool
}

// Loop is a bounded run queue consumed by one goroutine.
type Loop struct {
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a loop with the given queue capacity.
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn, blocking while the queue is full. Do not call Post from the
// loop goroutine while the queue may be full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run fn right before stopping
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules fn onto the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

// Run consumes the queue until ctx is canceled. Work still queued at that
// point is dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer l.stop()

	for {
		// Cancellation wins over queued work
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	wasPending := !lt.stopped.Swap(true)
	lt.t.Stop()
	return wasPending
}
