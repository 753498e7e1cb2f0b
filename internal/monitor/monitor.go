// Package monitor turns raw display change notifications into the secondary
// display ready/gone signals the capture session reacts to.
package monitor

import (
	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop"
)

// Sink receives the monitor's signals on the loop.
type Sink interface {
	SecondaryDisplayReady(id display.ID)
	SecondaryDisplayGone(id display.ID)
}

// Monitor tracks one pending and one bound secondary display. All methods
// except Attach's listener run on the loop.
type Monitor struct {
	sink     Sink
	notifier display.Notifier

	pending    display.ID
	hasPending bool
	bound      display.ID
	hasBound   bool
}

// New creates a monitor signaling sink.
func New(sink Sink) *Monitor {
	return &Monitor{sink: sink}
}

// Attach registers the monitor as the notifier's listener. Every
// notification is posted onto the scheduler before it is handled.
func (m *Monitor) Attach(notifier display.Notifier, scheduler loop.Scheduler) error {
	if err := notifier.Register(func(ev display.AttachEvent) {
		scheduler.Post(func() { m.Handle(ev) })
	}); err != nil {
		return err
	}
	m.notifier = notifier
	return nil
}

// Detach unregisters from the notifier.
func (m *Monitor) Detach() {
	if m.notifier == nil {
		return
	}
	m.notifier.Unregister()
	m.notifier = nil
}

// Handle applies one notification. Events that do not fit the current
// pending/bound state are ignored.
func (m *Monitor) Handle(ev display.AttachEvent) {
	log := logger.WithComponent("monitor")

	switch ev.Kind {
	case display.Added:
		if m.hasPending || m.hasBound {
			log.Debug().Uint32("display_id", uint32(ev.ID)).Msg("Ignoring display added while one is tracked")
			return
		}
		m.pending, m.hasPending = ev.ID, true
		log.Debug().Uint32("display_id", uint32(ev.ID)).Msg("Secondary display pending")

	case display.Changed:
		if !m.hasPending || m.pending != ev.ID {
			return
		}
		m.hasPending = false
		m.bound, m.hasBound = ev.ID, true
		log.Info().Uint32("display_id", uint32(ev.ID)).Msg("Secondary display ready")
		m.sink.SecondaryDisplayReady(ev.ID)

	case display.Removed:
		switch {
		case m.hasBound && m.bound == ev.ID:
			m.hasBound = false
			log.Info().Uint32("display_id", uint32(ev.ID)).Msg("Secondary display gone")
			m.sink.SecondaryDisplayGone(ev.ID)
		case m.hasPending && m.pending == ev.ID:
			m.hasPending = false
			log.Debug().Uint32("display_id", uint32(ev.ID)).Msg("Pending secondary display removed before it was ready")
		}
	}
}

// Bound returns the display currently reported ready, if any.
func (m *Monitor) Bound() (display.ID, bool) {
	return m.bound, m.hasBound
}
