// Package looptest provides a deterministic loop.Scheduler for tests.
package looptest

import (
	"context"
	"sort"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/loop"
)

// Manual is a scheduler driven entirely by the test: posted functions run on
// RunPending and timers fire on Advance. It is not safe for concurrent use.
type Manual struct {
	now     time.Duration
	pending []func()
	timers  []*manualTimer
	seq     int
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// Post queues fn until RunPending.
func (m *Manual) Post(fn func()) bool {
	m.pending = append(m.pending, fn)
	return true
}

// AfterFunc registers a timer that fires once Advance moves past its deadline.
func (m *Manual) AfterFunc(d time.Duration, fn func()) loop.Timer {
	m.seq++
	t := &manualTimer{deadline: m.now + d, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Call posts fn and runs everything pending, including fn.
func (m *Manual) Call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Post(fn)
	m.RunPending()
	return nil
}

// Run drains pending work, then blocks until ctx is canceled.
func (m *Manual) Run(ctx context.Context) error {
	m.RunPending()
	<-ctx.Done()
	return ctx.Err()
}

// RunPending runs every posted function, including ones posted while running.
func (m *Manual) RunPending() int {
	ran := 0
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
		ran++
	}
	return ran
}

// Advance moves the clock forward, firing due timers in deadline order.
func (m *Manual) Advance(d time.Duration) int {
	target := m.now + d
	fired := 0
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.deadline
		next.fired = true
		next.fn()
		fired++
		m.RunPending()
	}
	m.now = target
	return fired
}

// PendingTimers reports timers that have neither fired nor been stopped.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.fired && !t.stopped && t.deadline <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline == due[j].deadline {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline < due[j].deadline
	})
	return due[0]
}

type manualTimer struct {
	deadline time.Duration
	fn       func()
	seq      int
	fired    bool
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
