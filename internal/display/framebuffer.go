package display

import (
	"errors"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

// Framebuffer holds the pixels of one virtual display.
type Framebuffer struct {
	mu       sync.Mutex
	img      *image.RGBA
	dpi      int
	released bool
	dirty    bool
}

// NewFramebuffer creates a black framebuffer.
func NewFramebuffer(width, height, densityDPI int) *Framebuffer {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{image.Black}, image.Point{}, draw.Src)
	return &Framebuffer{img: img, dpi: densityDPI, dirty: true}
}

// Bounds returns the display rectangle.
func (f *Framebuffer) Bounds() image.Rectangle {
	return f.img.Bounds()
}

// DensityDPI returns the display density.
func (f *Framebuffer) DensityDPI() int {
	return f.dpi
}

// Draw runs fn while holding the framebuffer lock.
func (f *Framebuffer) Draw(fn func(img *image.RGBA)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return ErrDisplayReleased
	}
	fn(f.img)
	f.dirty = true
	return nil
}

// Snapshot copies the current pixels into dst, allocating it when nil or
// mis-sized. changed reports whether a Draw happened since the last snapshot.
func (f *Framebuffer) Snapshot(dst *image.RGBA) (frame *image.RGBA, changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dst == nil || dst.Bounds() != f.img.Bounds() {
		dst = image.NewRGBA(f.img.Bounds())
	}
	copy(dst.Pix, f.img.Pix)
	changed = f.dirty
	f.dirty = false
	return dst, changed
}

func (f *Framebuffer) release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

// Pump copies framebuffer contents into the encoder surface at the display
// frame rate. An optional present func mirrors changed frames elsewhere
// (the X11 window).
type Pump struct {
	fb       *Framebuffer
	surface  encoder.Surface
	present  func(*image.RGBA) error
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
	frames   int
}

// StartPump starts pumping frames until Stop.
func StartPump(fb *Framebuffer, surface encoder.Surface, frameRate int, present func(*image.RGBA) error) *Pump {
	if frameRate <= 0 {
		frameRate = 30
	}
	p := &Pump{
		fb:       fb,
		surface:  surface,
		present:  present,
		interval: time.Second / time.Duration(frameRate),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log := logger.WithComponent("display")
	var frame *image.RGBA
	var changed bool
	warned := false

	for {
		frame, changed = p.fb.Snapshot(frame)
		if err := p.surface.WriteFrame(frame); err != nil {
			if errors.Is(err, encoder.ErrSurfaceClosed) {
				log.Debug().Int("frames", p.frames).Msg("Encoder surface closed, frame pump exiting")
				return
			}
			if !warned {
				log.Warn().Err(err).Msg("Failed to write frame to encoder surface")
				warned = true
			}
		} else {
			p.frames++
		}
		if changed && p.present != nil {
			if err := p.present(frame); err != nil {
				log.Debug().Err(err).Msg("Failed to present frame")
			}
		}

		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the pump and waits for the in-flight frame. Safe to call twice.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.done
}

// Frames returns the number of frames delivered. Only valid after Stop.
func (p *Pump) Frames() int {
	return p.frames
}
