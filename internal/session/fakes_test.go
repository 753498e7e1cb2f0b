package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/grant"
	"github.com/bryanchriswhite/PresentationRecorder/internal/history"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop/looptest"
)

// opLog records every collaborator call in order.
type opLog struct {
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) since(mark int) []string {
	return append([]string(nil), l.ops[mark:]...)
}

// fakeGrants hands out grants only when the test says so.
type fakeGrants struct {
	log      *opLog
	pending  []func(grant.Grant, error)
	ctxs     []context.Context
	onRevoke func(grant.Grant)
	issued   []*fakeGrant
}

func (f *fakeGrants) Request(ctx context.Context, done func(grant.Grant, error)) {
	f.log.add("grant.request")
	f.pending = append(f.pending, done)
	f.ctxs = append(f.ctxs, ctx)
}

func (f *fakeGrants) OnRevoke(handler func(grant.Grant)) { f.onRevoke = handler }

// grant answers request i with a new grant.
func (f *fakeGrants) grant(i int) *fakeGrant {
	g := &fakeGrant{log: f.log, id: fmt.Sprintf("g%d", i)}
	f.issued = append(f.issued, g)
	f.pending[i](g, nil)
	return g
}

func (f *fakeGrants) deny(i int) {
	f.pending[i](nil, fmt.Errorf("%w: test", grant.ErrDenied))
}

func (f *fakeGrants) revoke(g *fakeGrant) {
	f.onRevoke(g)
}

type fakeGrant struct {
	log      *opLog
	id       string
	released int
}

func (g *fakeGrant) ID() string { return g.id }

func (g *fakeGrant) Release() error {
	g.released++
	g.log.add("grant.release %s", g.id)
	return nil
}

// fakeEncoders fails whichever step failStep names.
type fakeEncoders struct {
	log         *opLog
	descriptors []encoder.Descriptor
	failStep    string
	stopErr     error
	releaseErr  error
	sessions    []*fakeEncSession
}

func newFakeEncoders(log *opLog) *fakeEncoders {
	return &fakeEncoders{log: log, descriptors: []encoder.Descriptor{{
		Name:          "fakeenc",
		Hardware:      true,
		MediaTypes:    []string{encoder.MediaTypeAVC},
		ProfileLevels: []encoder.ProfileLevel{{Profile: "high", Level: encoder.Level41}},
	}}}
}

func (f *fakeEncoders) ListEncoders(string) ([]encoder.Descriptor, error) {
	return f.descriptors, nil
}

func (f *fakeEncoders) CreateSession(p encoder.Profile, out string, onFault encoder.FaultHandler) (encoder.Session, error) {
	if f.failStep == StepEncoder {
		f.log.add("enc.create failed")
		return nil, errors.New("encoder busy")
	}
	s := &fakeEncSession{owner: f, id: len(f.sessions), onFault: onFault}
	f.sessions = append(f.sessions, s)
	f.log.add("enc.create")
	return s, nil
}

type fakeEncSession struct {
	owner    *fakeEncoders
	id       int
	onFault  encoder.FaultHandler
	started  bool
	stopped  int
	released int
}

func (s *fakeEncSession) InputSurface() (encoder.Surface, error) {
	if s.owner.failStep == StepInputSurface {
		s.owner.log.add("enc.surface failed")
		return nil, errors.New("no surface")
	}
	s.owner.log.add("enc.surface")
	return nopSurface{}, nil
}

func (s *fakeEncSession) Start() error {
	if s.owner.failStep == StepRecording {
		s.owner.log.add("enc.start failed")
		return errors.New("muxer refused")
	}
	s.started = true
	s.owner.log.add("enc.start")
	return nil
}

func (s *fakeEncSession) Stop() error {
	s.stopped++
	s.owner.log.add("enc.stop")
	return s.owner.stopErr
}

func (s *fakeEncSession) Release() error {
	s.released++
	s.owner.log.add("enc.release")
	return s.owner.releaseErr
}

type nopSurface struct{}

func (nopSurface) WriteFrame(*image.RGBA) error { return nil }

type fakeDisplays struct {
	log     *opLog
	fail    bool
	nextID  display.ID
	created []*fakeVD
	lastCfg display.Config
}

func (f *fakeDisplays) CreateVirtualDisplay(cfg display.Config, surface encoder.Surface) (display.VirtualDisplay, error) {
	if f.fail {
		f.log.add("display.create failed")
		return nil, errors.New("no virtual display")
	}
	if surface == nil {
		return nil, errors.New("nil surface")
	}
	f.nextID++
	f.lastCfg = cfg
	vd := &fakeVD{log: f.log, id: 100 + f.nextID}
	f.created = append(f.created, vd)
	f.log.add("display.create")
	return vd, nil
}

type fakeVD struct {
	log      *opLog
	id       display.ID
	released int
}

func (v *fakeVD) ID() display.ID { return v.id }

func (v *fakeVD) Release() error {
	v.released++
	v.log.add("display.release")
	return nil
}

type fakePresenter struct {
	log     *opLog
	current map[display.ID]bool
}

func (p *fakePresenter) Ready(id display.ID) error {
	if p.current == nil {
		p.current = map[display.ID]bool{}
	}
	p.current[id] = true
	p.log.add("content.bind")
	return nil
}

func (p *fakePresenter) Gone(id display.ID) {
	if p.current[id] {
		delete(p.current, id)
		p.log.add("content.gone")
	}
}

func (p *fakePresenter) Dismiss(id display.ID) {
	if p.current[id] {
		delete(p.current, id)
		p.log.add("content.dismiss")
	}
}

type fakeHistory struct {
	entries []history.Entry
}

func (h *fakeHistory) Record(_ context.Context, e history.Entry) (int64, error) {
	h.entries = append(h.entries, e)
	return int64(len(h.entries)), nil
}

type harness struct {
	t         *testing.T
	log       *opLog
	sched     *looptest.Manual
	grants    *fakeGrants
	encoders  *fakeEncoders
	displays  *fakeDisplays
	presenter *fakePresenter
	history   *fakeHistory
	clock     time.Time
	c         *Coordinator
	events    chan Event
}

func newHarness(t *testing.T, autoStart bool) *harness {
	t.Helper()
	log := &opLog{}
	h := &harness{
		t:         t,
		log:       log,
		sched:     looptest.NewManual(),
		grants:    &fakeGrants{log: log},
		encoders:  newFakeEncoders(log),
		displays:  &fakeDisplays{log: log},
		presenter: &fakePresenter{log: log},
		history:   &fakeHistory{},
		clock:     time.Unix(2000, 0),
	}
	h.c = New(Options{
		Executor:    h.sched,
		Grants:      h.grants,
		Negotiator:  encoder.NewNegotiator(h.encoders),
		Encoders:    h.encoders,
		Displays:    h.displays,
		Presenter:   h.presenter,
		History:     h.history,
		DisplayName: "test",
		AutoStart:   autoStart,
		Now:         func() time.Time { return h.clock },
	})
	h.c.invariantHook = func(err error) { t.Errorf("invariant violated: %v", err) }
	h.events = h.c.Subscribe()
	return h
}

var defaultRequest = Request{Width: 1280, Height: 720, DensityDPI: 160, FrameRate: 30, OutputPath: "/tmp/out.mp4"}

func (h *harness) request() (Status, error) {
	return h.c.Request(context.Background(), defaultRequest)
}

func (h *harness) mustRequest() {
	h.t.Helper()
	if _, err := h.request(); err != nil {
		h.t.Fatalf("request: %v", err)
	}
}

// deliver runs whatever the fakes posted onto the loop.
func (h *harness) deliver() {
	h.sched.RunPending()
}

func (h *harness) state() State {
	return h.c.Status().State
}

func (h *harness) activeDisplay() display.ID {
	h.t.Helper()
	if h.c.session == nil || h.c.session.display == nil {
		h.t.Fatalf("no active display")
	}
	return h.c.session.display.ID()
}

// startActive drives a request through to Active with autoStart.
func (h *harness) startActive() *fakeGrant {
	h.t.Helper()
	h.mustRequest()
	g := h.grants.grant(len(h.grants.pending) - 1)
	h.deliver()
	if h.state() != Active {
		h.t.Fatalf("state = %v, want active", h.state())
	}
	return g
}

func (h *harness) notices() []Notice {
	var out []Notice
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventNotice {
				out = append(out, *ev.Notice)
			}
		default:
			return out
		}
	}
}
