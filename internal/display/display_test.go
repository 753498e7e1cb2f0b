package display

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
)

type recordingSurface struct {
	mu     sync.Mutex
	frames int
	last   color.RGBA
	closed bool
}

func (s *recordingSurface) WriteFrame(frame *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return encoder.ErrSurfaceClosed
	}
	s.frames++
	s.last = frame.RGBAAt(0, 0)
	return nil
}

func (s *recordingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{Name: "x", Width: 1280, Height: 720, DensityDPI: 160, FrameRate: 30}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []Config{
		{Width: 0, Height: 720, DensityDPI: 160, FrameRate: 30},
		{Width: 1280, Height: 70000, DensityDPI: 160, FrameRate: 30},
		{Width: 1280, Height: 720, DensityDPI: 0, FrameRate: 30},
		{Width: 1280, Height: 720, DensityDPI: 160, FrameRate: 0},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
}

func TestFlags(t *testing.T) {
	f := FlagPresentation | FlagOwnContentOnly
	if !f.Has(FlagPresentation) || !f.Has(FlagOwnContentOnly) {
		t.Fatalf("flags lost bits: %b", f)
	}
	if FlagPresentation.Has(FlagOwnContentOnly) {
		t.Fatalf("presentation flag should not imply own-content-only")
	}
}

func TestFramebufferSnapshotTracksDirty(t *testing.T) {
	fb := NewFramebuffer(4, 2, 160)
	frame, changed := fb.Snapshot(nil)
	if !changed {
		t.Fatalf("fresh framebuffer should report changed")
	}
	if frame.RGBAAt(0, 0) != (color.RGBA{A: 255}) {
		t.Fatalf("fresh framebuffer not black: %v", frame.RGBAAt(0, 0))
	}
	if _, changed := fb.Snapshot(frame); changed {
		t.Fatalf("snapshot without draw reported changed")
	}

	red := color.RGBA{R: 255, A: 255}
	if err := fb.Draw(func(img *image.RGBA) { img.SetRGBA(0, 0, red) }); err != nil {
		t.Fatalf("draw: %v", err)
	}
	frame, changed = fb.Snapshot(frame)
	if !changed || frame.RGBAAt(0, 0) != red {
		t.Fatalf("draw not visible in snapshot")
	}

	fb.release()
	if err := fb.Draw(func(*image.RGBA) {}); err != ErrDisplayReleased {
		t.Fatalf("expected ErrDisplayReleased, got %v", err)
	}
}

func TestPumpDeliversFramesUntilStopped(t *testing.T) {
	fb := NewFramebuffer(8, 8, 160)
	surface := &recordingSurface{}
	presented := 0
	p := StartPump(fb, surface, 200, func(*image.RGBA) error { presented++; return nil })

	waitFor(t, "frames", func() bool { return surface.count() >= 3 })
	p.Stop()
	p.Stop()

	n := surface.count()
	time.Sleep(20 * time.Millisecond)
	if surface.count() != n {
		t.Fatalf("pump kept writing after Stop")
	}
	if p.Frames() != n {
		t.Fatalf("frames = %d, surface saw %d", p.Frames(), n)
	}
	if presented != 1 {
		t.Fatalf("presented %d frames, want 1 (only the initial dirty frame)", presented)
	}
}

func TestPumpExitsWhenSurfaceCloses(t *testing.T) {
	fb := NewFramebuffer(8, 8, 160)
	surface := &recordingSurface{closed: true}
	p := StartPump(fb, surface, 200, nil)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not exit on closed surface")
	}
	p.Stop()
}

func TestOffscreenReportsLifecycle(t *testing.T) {
	o := NewOffscreen()
	var mu sync.Mutex
	var events []AttachEvent
	if err := o.Register(func(ev AttachEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer o.Unregister()
	if err := o.Register(func(AttachEvent) {}); err == nil {
		t.Fatalf("second register should fail")
	}

	surface := &recordingSurface{}
	vd, err := o.CreateVirtualDisplay(Config{Width: 16, Height: 16, DensityDPI: 320, FrameRate: 100}, surface)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !o.Owns(vd.ID()) {
		t.Fatalf("facility does not own its display")
	}
	canvas, ok := o.Canvas(vd.ID())
	if !ok || canvas.DensityDPI() != 320 || canvas.Bounds().Dx() != 16 {
		t.Fatalf("unexpected canvas %v %v", canvas, ok)
	}

	waitFor(t, "frames", func() bool { return surface.count() > 0 })
	if err := vd.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := vd.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, ok := o.Canvas(vd.ID()); ok {
		t.Fatalf("canvas still resolvable after release")
	}

	want := []AttachEvent{{vd.ID(), Added}, {vd.ID(), Changed}, {vd.ID(), Removed}}
	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestOffscreenEmitDoesNotBlockOnSlowListener(t *testing.T) {
	o := NewOffscreen()
	stuck := make(chan struct{})
	if err := o.Register(func(AttachEvent) { <-stuck }); err != nil {
		t.Fatalf("register: %v", err)
	}
	defer o.Unregister()
	defer close(stuck)

	// Far more events than the buffer holds while the listener never returns
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < offscreenEventBuffer; i++ {
			vd, err := o.CreateVirtualDisplay(Config{Width: 8, Height: 8, DensityDPI: 160, FrameRate: 30}, &recordingSurface{})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			vd.Release()
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("display lifecycle blocked behind a stalled listener")
	}
}

func TestOffscreenRejectsMissingSurface(t *testing.T) {
	o := NewOffscreen()
	if _, err := o.CreateVirtualDisplay(Config{Width: 16, Height: 16, DensityDPI: 160, FrameRate: 30}, nil); err == nil {
		t.Fatalf("expected error without a surface")
	}
}

type ownerFunc func(ID) bool

func (f ownerFunc) Owns(id ID) bool { return f(id) }

func TestX11NotifierTranslatesOwnedWindows(t *testing.T) {
	owned := map[ID]bool{42: true}
	n := NewX11Notifier("", ownerFunc(func(id ID) bool { return owned[id] }))
	n.tracked = make(map[xproto.Window]bool)

	cases := []struct {
		ev   xgb.Event
		want *AttachEvent
	}{
		{xproto.CreateNotifyEvent{Window: 7}, nil},
		{xproto.MapNotifyEvent{Window: 42}, nil},
		{xproto.CreateNotifyEvent{Window: 42}, &AttachEvent{42, Added}},
		{xproto.MapNotifyEvent{Window: 42}, &AttachEvent{42, Changed}},
		{xproto.ConfigureNotifyEvent{Window: 42}, &AttachEvent{42, Changed}},
		{xproto.DestroyNotifyEvent{Window: 7}, nil},
		{xproto.DestroyNotifyEvent{Window: 42}, &AttachEvent{42, Removed}},
		{xproto.MapNotifyEvent{Window: 42}, nil},
	}
	for i, tc := range cases {
		if i == 6 {
			// the facility forgets the window before the destroy arrives
			delete(owned, 42)
		}
		got, ok := n.translate(tc.ev)
		if tc.want == nil {
			if ok {
				t.Fatalf("case %d: unexpected event %+v", i, got)
			}
			continue
		}
		if !ok || got != *tc.want {
			t.Fatalf("case %d: got %+v %v, want %+v", i, got, ok, *tc.want)
		}
	}
}

func TestConvertRowsWritesBGRX(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 4})
	img.SetRGBA(1, 0, color.RGBA{R: 5, G: 6, B: 7, A: 8})

	dst := make([]byte, 8)
	convertRows(dst, img, 8, 4, false)
	want := []byte{3, 2, 1, 0, 7, 6, 5, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d (%v)", i, dst[i], want[i], dst)
		}
	}

	packed := make([]byte, 8)
	convertRows(packed, img, 8, 3, false)
	if packed[3] != 7 || packed[5] != 5 {
		t.Fatalf("unexpected 24bpp layout %v", packed)
	}
}
