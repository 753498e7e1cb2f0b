// Package presentation shows content on the secondary display while it is
// attached and keeps an elapsed-time readout current.
package presentation

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop"
	"github.com/bryanchriswhite/PresentationRecorder/internal/metrics"
)

// DefaultInterval is how often the elapsed-time readout is refreshed.
const DefaultInterval = 500 * time.Millisecond

// ErrDismissed is returned by Content once it has been torn down.
var ErrDismissed = errors.New("presentation dismissed")

// Content is secondary-surface content bound to one display.
type Content interface {
	Update(elapsed time.Duration) error
	Dismiss() error
}

// Renderer binds content to a display.
type Renderer interface {
	Bind(id display.ID) (Content, error)
}

// SessionLookup reports the active capture session rendering to display id,
// if any. The lifecycle holds only this lookup, never the session itself.
type SessionLookup func(id display.ID) (sessionID string, ok bool)

// Options configure a Lifecycle.
type Options struct {
	Scheduler loop.Scheduler
	Renderer  Renderer
	Lookup    SessionLookup
	Interval  time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Lifecycle shows and dismisses content for at most one display. Every method
// must run on the loop.
type Lifecycle struct {
	sched    loop.Scheduler
	renderer Renderer
	lookup   SessionLookup
	interval time.Duration
	now      func() time.Time

	cur *binding
}

type binding struct {
	id        display.ID
	content   Content
	sessionID string
	started   time.Time
	timer     loop.Timer
	done      bool
}

// New creates a lifecycle.
func New(opts Options) *Lifecycle {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lookup == nil {
		opts.Lookup = func(display.ID) (string, bool) { return "", false }
	}
	return &Lifecycle{
		sched:    opts.Scheduler,
		renderer: opts.Renderer,
		lookup:   opts.Lookup,
		interval: opts.Interval,
		now:      opts.Now,
	}
}

// Ready binds content to id and starts the readout. The first update is
// drawn immediately.
func (l *Lifecycle) Ready(id display.ID) error {
	if l.cur != nil {
		if l.cur.id == id {
			return nil
		}
		l.teardown("replaced")
	}

	content, err := l.renderer.Bind(id)
	if err != nil {
		return fmt.Errorf("failed to bind presentation to display %d: %w", id, err)
	}

	sessionID, _ := l.lookup(id)
	b := &binding{id: id, content: content, sessionID: sessionID, started: l.now()}
	l.cur = b

	logger.WithSession("presentation", sessionID).Info().
		Uint32("display_id", uint32(id)).
		Dur("interval", l.interval).
		Msg("Presentation shown")

	l.tick(b)
	return nil
}

// Gone tears down content for a display that has disappeared.
func (l *Lifecycle) Gone(id display.ID) {
	if l.cur == nil || l.cur.id != id {
		return
	}
	l.teardown("display gone")
}

// Dismiss tears down content for id. Unknown ids are ignored.
func (l *Lifecycle) Dismiss(id display.ID) {
	if l.cur == nil || l.cur.id != id {
		return
	}
	l.teardown("dismissed")
}

// DismissAll tears down whatever is shown.
func (l *Lifecycle) DismissAll() {
	if l.cur != nil {
		l.teardown("dismissed")
	}
}

// Current returns the display content is bound to, if any.
func (l *Lifecycle) Current() (display.ID, bool) {
	if l.cur == nil {
		return 0, false
	}
	return l.cur.id, true
}

func (l *Lifecycle) tick(b *binding) {
	if b.done || l.cur != b {
		return
	}

	// The owning session may have ended without a dismissal reaching us
	if b.sessionID != "" {
		if id, ok := l.lookup(b.id); !ok || id != b.sessionID {
			l.teardown("session ended")
			return
		}
	}

	if err := b.content.Update(l.now().Sub(b.started)); err != nil {
		if errors.Is(err, ErrDismissed) || errors.Is(err, display.ErrDisplayReleased) {
			l.teardown("surface released")
			return
		}
		logger.WithComponent("presentation").Warn().Err(err).
			Uint32("display_id", uint32(b.id)).
			Msg("Failed to update presentation")
	} else {
		metrics.ObservePresentationTick()
	}

	b.timer = l.sched.AfterFunc(l.interval, func() { l.tick(b) })
}

// teardown cancels the timer before the content goes away so no update can
// run against torn-down content.
func (l *Lifecycle) teardown(why string) {
	b := l.cur
	l.cur = nil
	b.done = true
	if b.timer != nil {
		b.timer.Stop()
	}

	log := logger.WithSession("presentation", b.sessionID)
	if err := b.content.Dismiss(); err != nil {
		log.Warn().Err(err).Uint32("display_id", uint32(b.id)).Msg("Failed to dismiss presentation")
	}
	log.Info().
		Uint32("display_id", uint32(b.id)).
		Str("reason", why).
		Dur("shown", l.now().Sub(b.started)).
		Msg("Presentation dismissed")
}

// FormatElapsed renders d as minutes and zero-padded seconds ("1:05").
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
