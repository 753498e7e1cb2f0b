package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/grant"
	"github.com/bryanchriswhite/PresentationRecorder/internal/history"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop"
	"github.com/bryanchriswhite/PresentationRecorder/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultGrantTimeout bounds how long an authorization request may stay open.
const DefaultGrantTimeout = 60 * time.Second

// Negotiator selects an encoder profile for a request.
type Negotiator interface {
	Negotiate(width, height, frameRate int) (encoder.Profile, error)
}

// Presenter shows secondary-surface content. It is called on the loop.
type Presenter interface {
	Ready(id display.ID) error
	Gone(id display.ID)
	Dismiss(id display.ID)
}

// Recorder stores finished recordings.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (int64, error)
}

// Options wire a Coordinator to its collaborators. Presenter and History
// are optional.
type Options struct {
	Executor     loop.Executor
	Grants       grant.Provider
	Negotiator   Negotiator
	Encoders     encoder.Facility
	Displays     display.Facility
	Presenter    Presenter
	History      Recorder
	DisplayName  string
	AutoStart    bool
	GrantTimeout time.Duration
	Now          func() time.Time
}

// EventType distinguishes coordinator broadcasts.
type EventType string

const (
	EventStatus EventType = "status"
	EventNotice EventType = "notice"
)

// Event is broadcast to subscribers on every transition and notice.
type Event struct {
	Type   EventType `json:"type"`
	Status Status    `json:"status"`
	Notice *Notice   `json:"notice,omitempty"`
}

// Coordinator drives the one capture session. Every state change happens on
// the executor's loop; the exported methods are safe from any goroutine.
type Coordinator struct {
	exec         loop.Executor
	grants       grant.Provider
	negotiator   Negotiator
	encoders     encoder.Facility
	displays     display.Facility
	presenter    Presenter
	history      Recorder
	displayName  string
	autoStart    bool
	grantTimeout time.Duration
	now          func() time.Time

	// loop-owned
	session     *CaptureSession
	generation  uint64
	cancelGrant context.CancelFunc
	lastNotice  *Notice

	mu        sync.RWMutex
	status    Status
	listeners []chan Event

	// granted handles posted to the loop but not yet handled
	undeliveredMu sync.Mutex
	undelivered   map[grant.Grant]struct{}

	// invariantHook observes violations; tests use it to fail fast
	invariantHook func(error)
}

// New creates a coordinator and registers for grant revocations.
func New(opts Options) *Coordinator {
	if opts.GrantTimeout <= 0 {
		opts.GrantTimeout = DefaultGrantTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DisplayName == "" {
		opts.DisplayName = "PresentationRecorder"
	}

	c := &Coordinator{
		exec:         opts.Executor,
		grants:       opts.Grants,
		negotiator:   opts.Negotiator,
		encoders:     opts.Encoders,
		displays:     opts.Displays,
		presenter:    opts.Presenter,
		history:      opts.History,
		displayName:  opts.DisplayName,
		autoStart:    opts.AutoStart,
		grantTimeout: opts.GrantTimeout,
		now:          opts.Now,
		status:       Status{State: Idle},
		undelivered:  make(map[grant.Grant]struct{}),
	}
	c.grants.OnRevoke(func(g grant.Grant) {
		c.exec.Post(func() { c.handleRevoke(g) })
	})
	return c
}

// SetPresenter attaches the secondary-surface presenter. Call before Run.
func (c *Coordinator) SetPresenter(p Presenter) {
	c.presenter = p
}

// Run drives the loop until ctx is canceled, then force-stops whatever
// session remains. The final stop runs on the calling goroutine once the
// loop can no longer run anything.
func (c *Coordinator) Run(ctx context.Context) error {
	err := c.exec.Run(ctx)
	if c.session != nil {
		c.stop(StopShutdown, nil)
	}
	c.releaseUndelivered()
	return err
}

// Request validates and negotiates req, then asks for authorization. The
// returned status is AwaitingGrant on success.
func (c *Coordinator) Request(ctx context.Context, req Request) (Status, error) {
	var st Status
	var err error
	if callErr := c.call(ctx, func() { st, err = c.request(req) }); callErr != nil {
		return Status{}, callErr
	}
	return st, err
}

// Start allocates the encoder and virtual display and begins recording.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	if callErr := c.call(ctx, func() { err = c.start() }); callErr != nil {
		return callErr
	}
	return err
}

// Stop ends the session as a user stop. Stopping with no session is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.call(ctx, func() { c.stop(StopUser, nil) })
}

// Pause ends the session because the owner is pausing.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.call(ctx, func() { c.stop(StopPaused, nil) })
}

// Status returns the state as of the last transition.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Subscribe returns a channel receiving every event. Slow subscribers miss
// events rather than block the loop.
func (c *Coordinator) Subscribe() chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, 16)
	c.listeners = append(c.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, listener := range c.listeners {
		if listener == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SessionFor reports the active session rendering to display id. It must
// be called on the loop.
func (c *Coordinator) SessionFor(id display.ID) (string, bool) {
	s := c.session
	if s == nil || s.State != Active || s.display == nil || s.display.ID() != id {
		return "", false
	}
	return s.ID, true
}

// SecondaryDisplayReady implements monitor.Sink.
func (c *Coordinator) SecondaryDisplayReady(id display.ID) {
	if c.presenter == nil {
		return
	}
	if err := c.presenter.Ready(id); err != nil {
		logger.WithComponent("session").Warn().Err(err).
			Uint32("display_id", uint32(id)).
			Msg("Failed to show secondary surface content")
		return
	}
	if s := c.session; s != nil && s.display != nil && s.display.ID() == id {
		s.content = true
		c.checkInvariant()
	}
}

// SecondaryDisplayGone implements monitor.Sink. Losing the session's own
// display stops the session.
func (c *Coordinator) SecondaryDisplayGone(id display.ID) {
	if c.presenter != nil {
		c.presenter.Gone(id)
	}
	s := c.session
	if s == nil || s.display == nil || s.display.ID() != id {
		return
	}
	s.content = false
	if s.State == Active {
		c.stop(StopDisplayRemoved, nil)
	}
}

func (c *Coordinator) call(ctx context.Context, fn func()) error {
	err := c.exec.Call(ctx, fn)
	if errors.Is(err, loop.ErrStopped) {
		return ErrLoopStopped
	}
	return err
}

func (c *Coordinator) request(req Request) (Status, error) {
	if c.session != nil {
		return c.session.status(), ErrSessionActive
	}

	if err := req.Validate(); err != nil {
		c.notify(Notice{Kind: NoticeCapabilityRejected, Message: err.Error()})
		return c.Status(), err
	}
	profile, err := c.negotiator.Negotiate(req.Width, req.Height, req.FrameRate)
	if err != nil {
		c.notify(Notice{Kind: NoticeCapabilityRejected, Message: err.Error()})
		return c.Status(), err
	}

	c.generation++
	s := &CaptureSession{
		ID:         uuid.NewString(),
		Generation: c.generation,
		State:      Idle,
		Request:    req,
		Profile:    profile,
		CreatedAt:  c.now(),
	}
	c.session = s
	c.transition(s, AwaitingGrant)

	gen := s.Generation
	ctx, cancel := context.WithTimeout(context.Background(), c.grantTimeout)
	c.cancelGrant = cancel
	c.grants.Request(ctx, func(g grant.Grant, err error) {
		cancel()
		if g != nil {
			c.hold(g)
		}
		posted := c.exec.Post(func() {
			if g != nil && !c.claim(g) {
				return
			}
			c.handleGrant(gen, g, err)
		})
		if !posted && g != nil && c.claim(g) {
			// Nobody is left to own the grant
			if rerr := g.Release(); rerr != nil {
				c.cleanupFailed("undelivered grant", rerr)
			}
		}
	})
	return s.status(), nil
}

func (c *Coordinator) hold(g grant.Grant) {
	c.undeliveredMu.Lock()
	c.undelivered[g] = struct{}{}
	c.undeliveredMu.Unlock()
}

// claim reports whether the caller took ownership of g. Exactly one of the
// loop and the shutdown sweep wins.
func (c *Coordinator) claim(g grant.Grant) bool {
	c.undeliveredMu.Lock()
	defer c.undeliveredMu.Unlock()
	if _, ok := c.undelivered[g]; !ok {
		return false
	}
	delete(c.undelivered, g)
	return true
}

// releaseUndelivered releases grants whose results were queued when the loop
// stopped.
func (c *Coordinator) releaseUndelivered() {
	c.undeliveredMu.Lock()
	stranded := make([]grant.Grant, 0, len(c.undelivered))
	for g := range c.undelivered {
		stranded = append(stranded, g)
	}
	c.undelivered = make(map[grant.Grant]struct{})
	c.undeliveredMu.Unlock()

	for _, g := range stranded {
		logger.WithComponent("session").Info().Str("grant", g.ID()).Msg("Releasing grant delivered after shutdown")
		if err := g.Release(); err != nil {
			c.cleanupFailed("undelivered grant", err)
		}
	}
}

func (c *Coordinator) handleGrant(gen uint64, g grant.Grant, err error) {
	s := c.session
	if s == nil || s.Generation != gen || s.State != AwaitingGrant {
		log := logger.WithComponent("session").Debug().Uint64("generation", gen)
		if g != nil {
			log.Str("grant", g.ID()).Msg("Releasing grant for superseded request")
			if rerr := g.Release(); rerr != nil {
				c.cleanupFailed("stale grant", rerr)
			}
			return
		}
		log.Msg("Discarding result for superseded request")
		return
	}
	c.cancelGrant = nil

	log := c.log(s)
	if err != nil {
		log.Info().Err(err).Msg("Capture authorization denied")
		c.notify(Notice{Kind: NoticeAuthorizationDenied, SessionID: s.ID, Message: err.Error()})
		c.transition(s, Idle)
		return
	}

	s.grant = g
	c.transition(s, GrantHeld)

	// The facility may have changed while the dialog was open
	profile, err := c.negotiator.Negotiate(s.Request.Width, s.Request.Height, s.Request.FrameRate)
	if err != nil {
		c.notify(Notice{Kind: NoticeCapabilityRejected, SessionID: s.ID, Message: err.Error()})
		c.fail(s, err)
		return
	}
	s.Profile = profile

	if c.autoStart {
		if err := c.start(); err != nil {
			log.Warn().Err(err).Msg("Automatic start failed")
		}
	}
}

func (c *Coordinator) start() error {
	s := c.session
	if s == nil {
		return ErrNoGrant
	}
	switch s.State {
	case Active:
		return ErrAlreadyActive
	case GrantHeld:
	default:
		return ErrNoGrant
	}

	log := c.log(s)
	gen := s.Generation

	enc, err := c.encoders.CreateSession(s.Profile, s.Request.OutputPath, func(ferr error) {
		c.exec.Post(func() { c.handleFault(gen, ferr) })
	})
	if err != nil {
		return c.rollback(s, StepEncoder, err)
	}
	s.encoder = enc
	c.checkInvariant()

	surface, err := enc.InputSurface()
	if err != nil {
		return c.rollback(s, StepInputSurface, err)
	}
	s.surface = surface
	c.checkInvariant()

	vd, err := c.displays.CreateVirtualDisplay(display.Config{
		Name:       c.displayName,
		Width:      s.Request.Width,
		Height:     s.Request.Height,
		DensityDPI: s.Request.DensityDPI,
		FrameRate:  s.Request.FrameRate,
		Flags:      display.FlagPresentation | display.FlagOwnContentOnly,
	}, surface)
	if err != nil {
		return c.rollback(s, StepVirtualDisplay, err)
	}
	s.display = vd
	c.checkInvariant()

	if err := enc.Start(); err != nil {
		return c.rollback(s, StepRecording, err)
	}
	s.StartedAt = c.now()
	c.transition(s, Active)

	log.Info().
		Str("output", s.Request.OutputPath).
		Str("encoder", s.Profile.Encoder).
		Str("level", s.Profile.Level.String()).
		Int("bit_rate", s.Profile.BitRate).
		Uint32("display_id", uint32(vd.ID())).
		Msg("Recording started")
	return nil
}

// rollback releases what start allocated, in reverse, and resets to Idle.
func (c *Coordinator) rollback(s *CaptureSession, step string, err error) error {
	allocErr := &ResourceAllocationError{Step: step, Err: err}
	c.log(s).Error().Err(err).Str("step", step).Msg("Resource allocation failed, rolling back")
	c.notify(Notice{Kind: NoticeAllocationFailed, SessionID: s.ID, Message: allocErr.Error()})
	c.fail(s, allocErr)
	return allocErr
}

// fail is the fatal path: Failed, best-effort release of everything held,
// then Idle.
func (c *Coordinator) fail(s *CaptureSession, cause error) {
	c.transition(s, Failed)
	c.release(s, false)
	c.log(s).Warn().Err(cause).Msg("Session failed, resources released")
	c.transition(s, Idle)
}

func (c *Coordinator) handleRevoke(g grant.Grant) {
	s := c.session
	if s == nil || s.grant == nil || s.grant.ID() != g.ID() {
		logger.WithComponent("session").Debug().Str("grant", g.ID()).Msg("Ignoring revocation of a grant no session holds")
		return
	}
	s.revoked = true
	c.stop(StopRevoked, nil)
}

func (c *Coordinator) handleFault(gen uint64, err error) {
	s := c.session
	if s == nil || s.Generation != gen || s.State != Active {
		return
	}
	c.log(s).Error().Err(err).Msg("Encoder fault")
	c.stop(StopFault, err)
}

// stop is the single teardown path for every stop trigger.
func (c *Coordinator) stop(reason StopReason, cause error) {
	s := c.session
	if s == nil {
		return
	}
	log := c.log(s)

	switch s.State {
	case AwaitingGrant:
		// The late result will be stale and its grant released on arrival
		if c.cancelGrant != nil {
			c.cancelGrant()
			c.cancelGrant = nil
		}
		log.Info().Str("reason", string(reason)).Msg("Abandoning pending authorization")
		c.transition(s, Idle)

	case GrantHeld:
		c.release(s, false)
		log.Info().Str("reason", string(reason)).Msg("Released unused grant")
		c.transition(s, Idle)

	case Active:
		c.transition(s, Stopping)
		// A faulted pipeline never reaches end of stream
		finalizeErr := c.release(s, reason != StopFault)
		stoppedAt := c.now()
		recorded := stoppedAt.Sub(s.StartedAt)
		metrics.ObserveStop(string(reason), recorded)

		if cause == nil {
			cause = finalizeErr
		}
		c.record(s, reason, stoppedAt, cause)

		msg := "Recording stopped"
		if cause != nil {
			msg = "Recording stopped: " + cause.Error()
		}
		c.notify(Notice{Kind: NoticeStopped, SessionID: s.ID, Reason: reason, Message: msg})
		log.Info().
			Str("reason", string(reason)).
			Dur("recorded", recorded).
			Str("output", s.Request.OutputPath).
			Msg("Recording stopped")
		c.transition(s, Idle)
	}
}

// release tears down held handles top-down: content, recording, display,
// encoder, grant. Only finalization errors are returned; everything else is
// logged and suppressed.
func (c *Coordinator) release(s *CaptureSession, finalize bool) error {
	if s.content && s.display != nil && c.presenter != nil {
		c.presenter.Dismiss(s.display.ID())
	}
	s.content = false

	var finalizeErr error
	if s.encoder != nil && finalize {
		if err := s.encoder.Stop(); err != nil {
			finalizeErr = err
			c.cleanupFailed("recording finalize", err)
		}
	}
	if s.display != nil {
		if err := s.display.Release(); err != nil {
			c.cleanupFailed("virtual display", err)
		}
		s.display = nil
		c.checkInvariant()
	}
	if s.encoder != nil {
		s.surface = nil
		if err := s.encoder.Release(); err != nil {
			c.cleanupFailed("encoder", err)
		}
		s.encoder = nil
		c.checkInvariant()
	}
	if s.grant != nil {
		if !s.revoked {
			if err := s.grant.Release(); err != nil {
				c.cleanupFailed("grant", err)
			}
		}
		s.grant = nil
	}
	return finalizeErr
}

func (c *Coordinator) record(s *CaptureSession, reason StopReason, stoppedAt time.Time, cause error) {
	if c.history == nil {
		return
	}
	e := history.Entry{
		SessionID:  s.ID,
		OutputPath: s.Request.OutputPath,
		Encoder:    s.Profile.Encoder,
		Level:      s.Profile.Level.String(),
		Width:      s.Profile.Width,
		Height:     s.Profile.Height,
		FrameRate:  s.Profile.FrameRate,
		BitRate:    s.Profile.BitRate,
		StartedAt:  s.StartedAt,
		StoppedAt:  stoppedAt,
		Reason:     string(reason),
	}
	if cause != nil {
		e.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.history.Record(ctx, e); err != nil {
		c.log(s).Warn().Err(err).Msg("Failed to record session history")
	}
}

func (c *Coordinator) transition(s *CaptureSession, to State) {
	from := s.State
	s.State = to
	metrics.ObserveTransition(from.String(), to.String())
	c.log(s).Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session transition")

	var st Status
	if to == Idle {
		c.session = nil
		st = Status{State: Idle}
	} else {
		st = s.status()
		c.checkInvariant()
	}
	st.LastNotice = c.lastNotice
	c.publish(Event{Type: EventStatus, Status: st})
}

func (c *Coordinator) checkInvariant() {
	if c.session == nil {
		return
	}
	if err := c.session.CheckInvariant(); err != nil {
		c.log(c.session).Error().Err(err).Msg("Session invariant violated")
		if c.invariantHook != nil {
			c.invariantHook(err)
		}
	}
}

func (c *Coordinator) notify(n Notice) {
	c.lastNotice = &n
	st := c.Status()
	st.LastNotice = &n
	c.publish(Event{Type: EventNotice, Status: st, Notice: &n})
}

// publish updates the cached status and fans out without blocking
func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = ev.Status
	for _, listener := range c.listeners {
		select {
		case listener <- ev:
		default:
		}
	}
}

func (c *Coordinator) cleanupFailed(what string, err error) {
	metrics.ObserveCleanupError()
	logger.WithComponent("session").Warn().Err(err).Str("resource", what).Msg("Release failed during cleanup")
}

func (c *Coordinator) log(s *CaptureSession) *zerolog.Logger {
	return logger.WithSession("session", s.ID)
}
