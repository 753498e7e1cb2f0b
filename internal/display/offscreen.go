package display

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

const offscreenEventBuffer = 32

// Offscreen is a display facility with no window system behind it. Displays
// exist only as framebuffers pumped into the encoder. It acts as its own
// notifier, reporting added and changed on creation and removed on release.
type Offscreen struct {
	nextID atomic.Uint32

	mu       sync.Mutex
	displays map[ID]*offscreenDisplay
	listener func(AttachEvent)
	events   chan AttachEvent
	stopCh   chan struct{}
	done     chan struct{}
}

// NewOffscreen creates an offscreen facility. Ids start at 1.
func NewOffscreen() *Offscreen {
	return &Offscreen{displays: make(map[ID]*offscreenDisplay)}
}

// CreateVirtualDisplay implements Facility.
func (o *Offscreen) CreateVirtualDisplay(cfg Config, surface encoder.Surface) (VirtualDisplay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if surface == nil {
		return nil, fmt.Errorf("no encoder surface for display %q", cfg.Name)
	}

	d := &offscreenDisplay{
		owner: o,
		id:    ID(o.nextID.Add(1)),
		fb:    NewFramebuffer(cfg.Width, cfg.Height, cfg.DensityDPI),
	}
	d.pump = StartPump(d.fb, surface, cfg.FrameRate, nil)

	o.mu.Lock()
	o.displays[d.id] = d
	o.mu.Unlock()

	logger.WithComponent("display").Info().
		Uint32("display_id", uint32(d.id)).
		Str("name", cfg.Name).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("Offscreen virtual display created")

	o.emit(AttachEvent{ID: d.id, Kind: Added})
	o.emit(AttachEvent{ID: d.id, Kind: Changed})
	return d, nil
}

// Canvas implements CanvasSource.
func (o *Offscreen) Canvas(id ID) (Canvas, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.displays[id]
	if !ok {
		return nil, false
	}
	return d.fb, true
}

// Owns reports whether id is a live display of this facility.
func (o *Offscreen) Owns(id ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.displays[id]
	return ok
}

// Register implements Notifier. Events are delivered in order from a
// dedicated goroutine.
func (o *Offscreen) Register(listener func(AttachEvent)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener != nil {
		return fmt.Errorf("display listener already registered")
	}
	o.listener = listener
	o.events = make(chan AttachEvent, offscreenEventBuffer)
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	go o.dispatch(listener, o.events, o.stopCh, o.done)
	return nil
}

// Unregister implements Notifier.
func (o *Offscreen) Unregister() {
	o.mu.Lock()
	if o.listener == nil {
		o.mu.Unlock()
		return
	}
	o.listener = nil
	close(o.stopCh)
	done := o.done
	o.events = nil
	o.mu.Unlock()
	<-done
}

func (o *Offscreen) dispatch(listener func(AttachEvent), events <-chan AttachEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			listener(ev)
		}
	}
}

func (o *Offscreen) emit(ev AttachEvent) {
	o.mu.Lock()
	events, stop := o.events, o.stopCh
	o.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-stop:
	default:
		// Emitters run on the owner loop, which the listener may be waiting on
		logger.WithComponent("display").Warn().
			Uint32("display_id", uint32(ev.ID)).
			Str("kind", ev.Kind.String()).
			Msg("Display event dropped, listener is behind")
	}
}

type offscreenDisplay struct {
	owner *Offscreen
	id    ID
	fb    *Framebuffer
	pump  *Pump
	once  sync.Once
}

func (d *offscreenDisplay) ID() ID { return d.id }

func (d *offscreenDisplay) Release() error {
	d.once.Do(func() {
		d.pump.Stop()
		d.fb.release()

		d.owner.mu.Lock()
		delete(d.owner.displays, d.id)
		d.owner.mu.Unlock()

		logger.WithComponent("display").Info().
			Uint32("display_id", uint32(d.id)).
			Int("frames", d.pump.Frames()).
			Msg("Offscreen virtual display released")
		d.owner.emit(AttachEvent{ID: d.id, Kind: Removed})
	})
	return nil
}
